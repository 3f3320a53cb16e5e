package source

import (
	"fmt"
	"strings"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/driver"
)

// Query is one planned, bounded read of a record-store table.
type Query struct {
	Schema    Schema
	Predicate string
	Args      []any
	// SortOrder is the ORDER BY clause, including the trailing row cap when Limit > 0.
	SortOrder string
	Limit     int
}

// Kind returns the data type the query reads.
func (q Query) Kind() datatype.Kind { return q.Schema.Kind }

// SQL renders the full SELECT statement.
func (q Query) SQL(d driver.Dialect) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", driver.ColumnList(d, q.Schema.Columns()), d.QuoteIdentifier(q.Schema.Table))
	if q.Predicate != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Predicate)
	}
	if q.SortOrder != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.SortOrder)
	}
	return b.String()
}

// WatermarkReader is the part of the watermark registry the planner needs.
type WatermarkReader interface {
	Get(kind datatype.Kind, account int) int64
}

// Planner builds the incremental query of each data type from its watermark.
type Planner struct {
	watermarks WatermarkReader
	account    int
}

// NewPlanner creates a planner reading watermarks of the given account.
func NewPlanner(watermarks WatermarkReader, account int) *Planner {
	return &Planner{watermarks: watermarks, account: account}
}

// Plan returns the query selecting every record newer than the watermark of s.Kind,
// minus the table's exclusions, narrowed by filter, capped at limit rows (0 = no cap).
// A narrowing filter always keeps the user's own outgoing records.
func (p *Planner) Plan(d driver.Dialect, s Schema, filter ContactFilter, limit int) Query {
	b := predicate{d: d}

	since := p.watermarks.Get(s.Kind, p.account)
	if s.secondsTimestamps() && since > 0 {
		since = since / 1000
	}
	b.add(d.QuoteIdentifier(s.Date)+" > %s", since)
	b.exclusions(s)

	if !filter.IsEveryone() && s.Person != "" && s.Type != "" {
		ids := filter.IDs()
		args := make([]any, 0, len(ids)+1)
		args = append(args, TypeSent)
		for _, id := range ids {
			args = append(args, id)
		}
		clause := fmt.Sprintf("(%s = %%s OR %s IN (%s))",
			d.QuoteIdentifier(s.Type), d.QuoteIdentifier(s.Person), strings.Repeat("%s, ", len(ids)-1)+"%s")
		b.add(clause, args...)
	}

	if limit < 0 {
		limit = 0
	}
	return Query{
		Schema:    s,
		Predicate: b.String(),
		Args:      b.args,
		SortOrder: d.RowCap(d.QuoteIdentifier(s.Date), limit),
		Limit:     limit,
	}
}

// PlanMostRecent returns the query selecting the newest record of s.
func (p *Planner) PlanMostRecent(d driver.Dialect, s Schema) Query {
	b := predicate{d: d}
	b.exclusions(s)
	return Query{
		Schema:    s,
		Predicate: b.String(),
		Args:      b.args,
		SortOrder: d.RowCap(d.QuoteIdentifier(s.Date)+" DESC", 1),
		Limit:     1,
	}
}

// predicate accumulates AND-ed conditions and numbers placeholders in order.
type predicate struct {
	d     driver.Dialect
	parts []string
	args  []any
}

// add appends a condition whose %s verbs are replaced by placeholders for args.
func (b *predicate) add(format string, args ...any) {
	ph := make([]any, len(args))
	for i := range args {
		ph[i] = b.d.ParameterPlaceholder(len(b.args) + i + 1)
	}
	b.parts = append(b.parts, fmt.Sprintf(format, ph...))
	b.args = append(b.args, args...)
}

func (b *predicate) exclusions(s Schema) {
	for _, ex := range s.Exclude {
		b.add(b.d.QuoteIdentifier(ex.Column)+" <> %s", ex.Value)
	}
}

func (b *predicate) String() string {
	return strings.Join(b.parts, " AND ")
}
