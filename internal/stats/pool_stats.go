package stats

import (
	"database/sql"
	"fmt"
)

// PoolStats is a driver-neutral view of a record store's connection pool.
type PoolStats struct {
	Store       string // store name from the config, e.g. "phone"
	Driver      string // "sqlite", "postgres" or "mssql"
	MaxConns    int    // 0 means unlimited
	ActiveConns int
	IdleConns   int
	WaitCount   int64
	WaitTimeMs  int64
}

// FromDB reads the statistics of an open database/sql pool.
func FromDB(store, driver string, db *sql.DB) PoolStats {
	s := db.Stats()
	return PoolStats{
		Store:       store,
		Driver:      driver,
		MaxConns:    s.MaxOpenConnections,
		ActiveConns: s.InUse,
		IdleConns:   s.Idle,
		WaitCount:   s.WaitCount,
		WaitTimeMs:  s.WaitDuration.Milliseconds(),
	}
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	limit := "unlimited"
	if s.MaxConns > 0 {
		limit = fmt.Sprint(s.MaxConns)
	}
	return fmt.Sprintf("%s (%s): %d/%s active, %d idle, %d waits (%.1fms avg)",
		s.Store, s.Driver, s.ActiveConns, limit, s.IdleConns,
		s.WaitCount, float64(s.WaitTimeMs)/float64(max(s.WaitCount, 1)))
}
