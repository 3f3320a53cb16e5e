// Package mssql provides the SQL Server record-store driver.
// It registers itself with the driver registry on import.
package mssql

import (
	"database/sql"
	"errors"
	"fmt"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/sms-backup-sync/internal/driver"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

func init() {
	driver.Register(&Driver{})
}

// SQL Server error numbers that mean the login or object is not accessible.
const (
	errPermissionDenied       = 229
	errColumnPermissionDenied = 230
	errLoginFailed            = 18456
)

// Driver implements driver.Driver for SQL Server.
type Driver struct{}

func (d *Driver) Name() string { return "mssql" }

func (d *Driver) Aliases() []string { return []string{"sqlserver"} }

func (d *Driver) Defaults() driver.DriverDefaults {
	return driver.DriverDefaults{Port: 1433, Encrypt: true}
}

func (d *Driver) Dialect() driver.Dialect { return &Dialect{} }

func (d *Driver) Open(cfg driver.ConnConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", d.Dialect().BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening sql server store: %w", err)
	}
	return db, nil
}

func (d *Driver) Classify(err error) error {
	var msErr mssqldb.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case errPermissionDenied, errColumnPermissionDenied, errLoginFailed:
			return syncerr.Permission("sql server", err)
		}
	}
	return err
}
