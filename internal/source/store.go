package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/stats"
)

// Store is a local record store that can answer planned queries.
type Store interface {
	Dialect() driver.Dialect
	Query(ctx context.Context, q Query) ([]Record, error)
}

// Writer is implemented by stores that accept restored records.
type Writer interface {
	Exists(ctx context.Context, s Schema, rec Record) (bool, error)
	Insert(ctx context.Context, s Schema, rec Record) error
	// RefreshThreads recomputes derived conversation data after inserts.
	RefreshThreads(ctx context.Context) error
}

// SQLStore is a Store and Writer over database/sql.
type SQLStore struct {
	db    *sql.DB
	drv   driver.Driver
	name  string
	label string
	after []string
}

// OpenSQLStore opens the record store behind the named driver. afterRestore lists SQL
// statements run by RefreshThreads.
func OpenSQLStore(driverName string, cfg driver.ConnConfig, afterRestore []string) (*SQLStore, error) {
	db, drv, err := driver.Open(driverName, cfg)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewSQLStore(db, drv, afterRestore), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, drv driver.Driver, afterRestore []string) *SQLStore {
	return &SQLStore{db: db, drv: drv, name: drv.Name(), label: drv.Name(), after: afterRestore}
}

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() driver.Dialect { return s.drv.Dialect() }

// DB returns the underlying database connection
func (s *SQLStore) DB() *sql.DB { return s.db }

// Ping checks that the store is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.drv.Classify(fmt.Errorf("pinging %s store: %w", s.name, err))
	}
	return nil
}

// PoolStats reports the connection pool usage of the store.
func (s *SQLStore) PoolStats() stats.PoolStats {
	return stats.FromDB(s.label, s.name, s.db)
}

// SetLabel names the store in logs and pool stats. It defaults to the driver name.
func (s *SQLStore) SetLabel(label string) { s.label = label }

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Query runs q and reads every row. Permission failures are classified.
func (s *SQLStore) Query(ctx context.Context, q Query) ([]Record, error) {
	stmt := q.SQL(s.Dialect())
	logging.Debug("%s: %s %v", s.name, stmt, q.Args)

	rows, err := s.db.QueryContext(ctx, stmt, q.Args...)
	if err != nil {
		return nil, s.drv.Classify(fmt.Errorf("querying %s: %w", q.Schema.Table, err))
	}
	defer rows.Close()

	cols := q.Schema.Columns()
	var out []Record
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", q.Schema.Table, err)
		}
		fields := make(map[string]string, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				fields[c] = vals[i].String
			}
		}
		out = append(out, recordFromFields(q.Schema, fields))
	}
	if err := rows.Err(); err != nil {
		return nil, s.drv.Classify(fmt.Errorf("reading %s: %w", q.Schema.Table, err))
	}
	return out, nil
}

// Exists reports whether a row equal to rec on the schema's dedup columns exists.
func (s *SQLStore) Exists(ctx context.Context, sc Schema, rec Record) (bool, error) {
	if len(sc.Dedup) == 0 {
		return false, nil
	}
	d := s.Dialect()
	conds := make([]string, len(sc.Dedup))
	args := make([]any, len(sc.Dedup))
	values := recordValues(sc, rec)
	for i, c := range sc.Dedup {
		conds[i] = fmt.Sprintf("%s = %s", d.QuoteIdentifier(c), d.ParameterPlaceholder(i+1))
		args[i] = values[c]
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", d.QuoteIdentifier(sc.Table), strings.Join(conds, " AND "))

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, s.drv.Classify(fmt.Errorf("checking %s duplicate: %w", sc.Table, err))
	}
	return n > 0, nil
}

// Insert writes rec into the schema's table. The id column is left to the store.
func (s *SQLStore) Insert(ctx context.Context, sc Schema, rec Record) error {
	d := s.Dialect()
	values := recordValues(sc, rec)
	var cols []string
	var args []any
	for _, c := range sc.Columns() {
		if c == sc.ID {
			continue
		}
		v, ok := values[c]
		if !ok {
			continue
		}
		cols = append(cols, c)
		args = append(args, v)
	}
	if len(cols) == 0 {
		return fmt.Errorf("nothing to insert into %s", sc.Table)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(sc.Table), driver.ColumnList(d, cols), driver.Placeholders(d, 1, len(cols)))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return s.drv.Classify(fmt.Errorf("inserting into %s: %w", sc.Table, err))
	}
	return nil
}

// RefreshThreads runs the configured post-restore statements.
func (s *SQLStore) RefreshThreads(ctx context.Context) error {
	for _, stmt := range s.after {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.drv.Classify(fmt.Errorf("refreshing threads: %w", err))
		}
	}
	return nil
}

func recordFromFields(s Schema, fields map[string]string) Record {
	rec := Record{
		Kind:     s.Kind,
		ID:       fields[s.ID],
		Address:  fields[s.Address],
		Person:   fields[s.Person],
		Body:     fields[s.Body],
		ThreadID: fields[s.Thread],
		Fields:   fields,
	}
	rec.Timestamp = parseInt(fields[s.Date])
	if s.secondsTimestamps() {
		rec.Timestamp *= 1000
	}
	rec.Type = int(parseInt(fields[s.Type]))
	rec.Duration = parseInt(fields[s.Duration])
	rec.Read = parseBool(fields[s.Read])
	return rec
}

// recordValues maps rec back onto column values for writes and duplicate checks.
// Extra columns are taken from rec.Fields.
func recordValues(s Schema, rec Record) map[string]any {
	v := make(map[string]any)
	for _, c := range s.Extra {
		if f, ok := rec.Fields[c]; ok {
			v[c] = f
		}
	}
	set := func(col string, val any) {
		if col != "" {
			v[col] = val
		}
	}
	ts := rec.Timestamp
	if s.secondsTimestamps() {
		ts /= 1000
	}
	set(s.Date, ts)
	set(s.Type, rec.Type)
	set(s.Address, rec.Address)
	set(s.Body, rec.Body)
	set(s.Thread, nullIfEmpty(rec.ThreadID))
	set(s.Person, nullIfEmpty(rec.Person))
	set(s.Duration, rec.Duration)
	if s.Read != "" {
		if rec.Read {
			v[s.Read] = 1
		} else {
			v[s.Read] = 0
		}
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		// some engines hand back numeric columns as "1.0"
		f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return n
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes":
		return true
	}
	return false
}
