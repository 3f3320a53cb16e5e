// Package source reads personal records out of local record stores: it plans the
// incremental query for each data type, runs it, and exposes the results as cursors.
package source

import (
	"sort"
	"strconv"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
)

// Unavailable is reported by MostRecentTimestamp for sources that cannot be queried.
const Unavailable int64 = -1

// Record is one row of a record store.
type Record struct {
	Kind datatype.Kind
	ID   string
	// Timestamp is milliseconds since the epoch, whatever unit the store uses.
	Timestamp int64
	Address   string
	Person    string
	Type      int
	Body      string
	Read      bool
	ThreadID  string
	Duration  int64
	// Fields holds every selected column as text, keyed by column name.
	Fields map[string]string
}

// Field returns a raw column value.
func (r Record) Field(name string) string {
	return r.Fields[name]
}

// ContactFilter narrows a backup to a set of contacts. The zero value means everyone.
type ContactFilter struct {
	ids []int64
}

// Everyone returns the filter that keeps every record.
func Everyone() ContactFilter { return ContactFilter{} }

// Only returns a filter keeping records of the given contacts (and the user's own
// outgoing records).
func Only(ids ...int64) ContactFilter {
	cp := append([]int64(nil), ids...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return ContactFilter{ids: cp}
}

// IsEveryone reports whether the filter keeps every record.
func (f ContactFilter) IsEveryone() bool { return len(f.ids) == 0 }

// IDs returns the contact identifiers of a narrowing filter.
func (f ContactFilter) IDs() []int64 { return append([]int64(nil), f.ids...) }

func (f ContactFilter) String() string {
	if f.IsEveryone() {
		return "everyone"
	}
	s := ""
	for i, id := range f.ids {
		if i > 0 {
			s += ","
		}
		s += strconv.FormatInt(id, 10)
	}
	return s
}
