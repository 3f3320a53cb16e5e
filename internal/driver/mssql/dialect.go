package mssql

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/johndauphine/sms-backup-sync/internal/driver"
)

// Dialect implements driver.Dialect for SQL Server.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mssql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d *Dialect) BuildDSN(cfg driver.ConnConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	if cfg.Encrypt {
		q.Set("encrypt", "true")
	} else {
		q.Set("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("@p%d", index)
}

// RowCap uses OFFSET/FETCH since SQL Server has no LIMIT. It is only valid after ORDER BY,
// which is where the planner puts it.
func (d *Dialect) RowCap(orderBy string, limit int) string {
	if limit <= 0 {
		return orderBy
	}
	return fmt.Sprintf("%s OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", orderBy, limit)
}
