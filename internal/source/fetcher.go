package source

import (
	"context"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// Source binds a data type to the store and table holding it.
type Source struct {
	Kind   datatype.Kind
	Store  Store
	Schema Schema
	// Enabled is the backup-enabled flag of the kind.
	Enabled bool
}

// Fetcher runs planned queries against the configured sources. A failing source
// never aborts a run: it reads as empty.
type Fetcher struct {
	planner *Planner
	sources map[datatype.Kind]*Source
}

// NewFetcher creates a fetcher over sources. Kinds without a source are unavailable.
func NewFetcher(planner *Planner, sources ...*Source) *Fetcher {
	f := &Fetcher{planner: planner, sources: make(map[datatype.Kind]*Source, len(sources))}
	for _, s := range sources {
		if s == nil {
			continue
		}
		if s.Schema.Kind == datatype.None {
			s.Schema = DefaultSchema(s.Kind)
		}
		f.sources[s.Kind] = s
	}
	return f
}

// Enabled reports whether kind is backup-enabled and has a store.
func (f *Fetcher) Enabled(kind datatype.Kind) bool {
	s, ok := f.sources[kind]
	return ok && s.Enabled && s.Store != nil
}

// Source returns the source of kind, if configured.
func (f *Fetcher) Source(kind datatype.Kind) (*Source, bool) {
	s, ok := f.sources[kind]
	return s, ok && s.Store != nil
}

// Fetch returns the records of kind newer than its watermark. Disabled kinds and
// store failures (including permission errors) yield an empty cursor.
func (f *Fetcher) Fetch(ctx context.Context, kind datatype.Kind, filter ContactFilter, limit int) Cursor {
	if !f.Enabled(kind) {
		return Empty(kind)
	}
	s := f.sources[kind]
	q := f.planner.Plan(s.Store.Dialect(), s.Schema, filter, limit)

	rows, err := s.Store.Query(ctx, q)
	if err != nil {
		if syncerr.IsPermission(err) {
			logging.Warn("No permission to read %s, skipping: %v", kind, err)
		} else {
			logging.Warn("Error fetching %s, skipping: %v", kind, err)
		}
		return Empty(kind)
	}
	logging.Debug("Fetched %d %s record(s) (filter=%s, limit=%d)", len(rows), kind, filter, limit)
	return NewCursor(kind, rows)
}

// MostRecentTimestamp returns the timestamp of the newest record of kind, or
// Unavailable when the kind is disabled, has no store, holds no rows, or cannot be queried.
func (f *Fetcher) MostRecentTimestamp(ctx context.Context, kind datatype.Kind) int64 {
	if !f.Enabled(kind) {
		return Unavailable
	}
	s := f.sources[kind]
	rows, err := s.Store.Query(ctx, f.planner.PlanMostRecent(s.Store.Dialect(), s.Schema))
	if err != nil {
		logging.Debug("Most recent %s unavailable: %v", kind, err)
		return Unavailable
	}
	if len(rows) == 0 {
		return Unavailable
	}
	return rows[0].Timestamp
}
