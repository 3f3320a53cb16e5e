// Package watermark keeps the per data type, per account "last synced" timestamps
// that bound every incremental query.
package watermark

import (
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
)

// Never is the watermark of a kind that was never synced.
const Never int64 = -1

// Store persists watermark rows keyed by (kind key, account).
type Store interface {
	GetWatermark(kind string, account int) (ts int64, ok bool, err error)
	SetWatermark(kind string, account int, ts int64) error
	// ListWatermarks returns every row of account keyed by kind key.
	ListWatermarks(account int) (map[string]int64, error)
	// ClearWatermarks removes the rows of all accounts in one step.
	ClearWatermarks() error
}

// Registry is the watermark registry. It is used by a single active run at a time.
type Registry struct {
	store Store
}

// New creates a registry over store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Get returns the watermark of kind, or Never when absent or unreadable.
func (r *Registry) Get(kind datatype.Kind, account int) int64 {
	ts, ok, err := r.store.GetWatermark(kind.String(), account)
	if err != nil {
		logging.Warn("Reading %s watermark: %v", kind, err)
		return Never
	}
	if !ok {
		return Never
	}
	return ts
}

// Set overwrites the watermark of kind and reports success.
func (r *Registry) Set(kind datatype.Kind, account int, ts int64) bool {
	if err := r.store.SetWatermark(kind.String(), account, ts); err != nil {
		logging.Error("Saving %s watermark: %v", kind, err)
		return false
	}
	return true
}

// Advance raises the watermark of kind to ts. A lower ts leaves it untouched. A kind
// without a row always gets one, even for Never, so that later runs are not first runs.
func (r *Registry) Advance(kind datatype.Kind, account int, ts int64) bool {
	cur, ok, err := r.store.GetWatermark(kind.String(), account)
	if err != nil {
		logging.Warn("Reading %s watermark: %v", kind, err)
		return false
	}
	if ok && ts <= cur {
		return true
	}
	logging.Debug("Watermark %s[%d]: %d -> %d", kind, account, cur, ts)
	return r.Set(kind, account, ts)
}

// MostRecent returns the newest watermark of account over all kinds, or Never.
func (r *Registry) MostRecent(account int) int64 {
	rows, err := r.store.ListWatermarks(account)
	if err != nil {
		logging.Warn("Listing watermarks: %v", err)
		return Never
	}
	max := Never
	for _, ts := range rows {
		if ts > max {
			max = ts
		}
	}
	return max
}

// IsFirstRunEver reports whether no watermark was ever written for account.
func (r *Registry) IsFirstRunEver(account int) bool {
	rows, err := r.store.ListWatermarks(account)
	if err != nil {
		logging.Warn("Listing watermarks: %v", err)
		return false
	}
	return len(rows) == 0
}

// All returns the watermark of every known kind for account.
func (r *Registry) All(account int) map[datatype.Kind]int64 {
	out := make(map[datatype.Kind]int64, len(datatype.All))
	for _, k := range datatype.All {
		out[k] = r.Get(k, account)
	}
	return out
}

// Reset clears the watermarks of all accounts.
func (r *Registry) Reset() error {
	return r.store.ClearWatermarks()
}
