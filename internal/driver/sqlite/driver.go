// Package sqlite provides the SQLite record-store driver for exported phone databases
// (mmssms.db, calllog.db, msgstore.db). It registers itself with the driver registry on import.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver for SQLite files.
type Driver struct{}

func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) Aliases() []string { return []string{"sqlite3"} }

func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{FileBased: true}
}

func (d *Driver) Dialect() driver.Dialect { return &Dialect{} }

func (d *Driver) Open(cfg driver.ConnConfig) (*sql.DB, error) {
	dsn := d.Dialect().BuildDSN(cfg)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if cfg.DSN == "" {
		// opening a missing file would silently create an empty store
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// one writer at a time; restore inserts would otherwise hit SQLITE_BUSY
	db.SetMaxOpenConns(1)
	return db, nil
}

func (d *Driver) Classify(err error) error {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CANTOPEN:
			return syncerr.Permission("sqlite", err)
		}
	}
	return err
}

// Dialect implements driver.Dialect for SQLite.
type Dialect struct{}

func (d *Dialect) DBType() string { return "sqlite" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d *Dialect) ParameterPlaceholder(int) string { return "?" }

func (d *Dialect) BuildDSN(cfg driver.ConnConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	if cfg.Path == "" {
		return ""
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	return cfg.Path + "?" + q.Encode()
}

func (d *Dialect) RowCap(orderBy string, limit int) string {
	if limit <= 0 {
		return orderBy
	}
	return fmt.Sprintf("%s LIMIT %d", orderBy, limit)
}
