package postgres

import (
	"fmt"
	"net/url"

	"github.com/lib/pq"

	"github.com/johndauphine/sms-backup-sync/internal/driver"
)

// Dialect implements driver.Dialect for PostgreSQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "postgres" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (d *Dialect) BuildDSN(cfg driver.ConnConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	params := url.Values{}
	if cfg.SSLMode != "" {
		params.Set("sslmode", cfg.SSLMode)
	} else {
		params.Set("sslmode", "prefer")
	}
	u.RawQuery = params.Encode()
	return u.String()
}

func (d *Dialect) ParameterPlaceholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *Dialect) RowCap(orderBy string, limit int) string {
	if limit <= 0 {
		return orderBy
	}
	return fmt.Sprintf("%s LIMIT %d", orderBy, limit)
}
