// Package postgres provides the PostgreSQL record-store driver.
// It registers itself with the driver registry on import.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

func init() {
	driver.Register(&Driver{})
}

// SQLSTATE codes treated as "no access to the record store".
var permissionCodes = map[string]bool{
	"42501": true, // insufficient_privilege
	"28000": true, // invalid_authorization_specification
	"28P01": true, // invalid_password
}

// Driver implements driver.Driver for PostgreSQL databases.
type Driver struct{}

func (d *Driver) Name() string { return "postgres" }

func (d *Driver) Aliases() []string { return []string{"postgresql", "pg"} }

func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{Port: 5432, SSLMode: "prefer"}
}

func (d *Driver) Dialect() driver.Dialect { return &Dialect{} }

func (d *Driver) Open(cfg driver.ConnConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", d.Dialect().BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening postgres store: %w", err)
	}
	return db, nil
}

func (d *Driver) Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && permissionCodes[pgErr.Code] {
		return syncerr.Permission("postgres", err)
	}
	return err
}
