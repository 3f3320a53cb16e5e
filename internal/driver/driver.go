// Package driver provides pluggable record-store engines.
// Each database holding source records (SQLite exports, PostgreSQL archives,
// SQL Server archives) implements the Driver interface and registers itself on import.
package driver

import (
	"database/sql"
)

// DriverDefaults contains default values for a database driver.
// Used by config.applyDefaults() to fill in connection settings.
type DriverDefaults struct {
	// Port is the default port (0 for file-based engines).
	Port int

	// SSLMode is the default SSL mode for PostgreSQL-style connections.
	SSLMode string

	// Encrypt is the default encryption setting for SQL Server connections.
	Encrypt bool

	// FileBased is true when the store is addressed by a path rather than a host.
	FileBased bool
}

// ConnConfig describes how to reach one record store.
type ConnConfig struct {
	// Path is used by file-based engines.
	Path string
	// DSN, when set, is used verbatim and the remaining fields are ignored.
	DSN string

	Host     string
	Port     int
	Database string
	User     string
	Password string

	SSLMode                string
	Encrypt                bool
	TrustServerCertificate bool

	MaxConns int
}

// Driver represents a pluggable record-store engine.
//
// To add a new database:
// 1. Create a package under internal/driver/<dbname>/
// 2. Implement the Driver interface
// 3. Register via init(): driver.Register(&MyDriver{})
type Driver interface {
	// Name returns the primary driver name (e.g., "sqlite", "postgres", "mssql").
	Name() string

	// Aliases returns alternative names for this driver.
	Aliases() []string

	// Defaults returns the default configuration values for this driver.
	Defaults() DriverDefaults

	// Dialect returns the SQL dialect for this database.
	Dialect() Dialect

	// Open opens a connection pool to the store.
	Open(cfg ConnConfig) (*sql.DB, error)

	// Classify wraps engine errors that mean "access denied" as permission errors
	// and returns every other error unchanged.
	Classify(err error) error
}

// Open looks up the driver registered under name and opens cfg with it.
func Open(name string, cfg ConnConfig) (*sql.DB, Driver, error) {
	d, err := Get(name)
	if err != nil {
		return nil, nil, err
	}
	db, err := d.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	return db, d, nil
}
