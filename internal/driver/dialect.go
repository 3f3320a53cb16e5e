package driver

import "strings"

// Dialect abstracts database-specific SQL syntax differences.
// Each database driver provides its own Dialect implementation.
type Dialect interface {
	// DBType returns the database type (e.g., "sqlite", "postgres").
	DBType() string

	// QuoteIdentifier quotes an identifier (table, column name).
	// PostgreSQL/SQLite: "identifier"
	// MSSQL: [identifier]
	QuoteIdentifier(name string) string

	// ParameterPlaceholder returns the parameter placeholder for the given 1-based index.
	// PostgreSQL: $1, $2, $3
	// MSSQL: @p1, @p2, @p3
	// SQLite: ?, ?, ?
	ParameterPlaceholder(index int) string

	// BuildDSN builds a connection string for this database.
	BuildDSN(cfg ConnConfig) string

	// RowCap appends a trailing row limit to an ORDER BY clause. limit <= 0 returns
	// orderBy unchanged.
	// SQLite/PostgreSQL: date LIMIT 50
	// MSSQL: date OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY
	RowCap(orderBy string, limit int) string
}

// ColumnList quotes and joins column names with d.
func ColumnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// Placeholders returns n placeholders starting at index start, comma separated.
func Placeholders(d Dialect, start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.ParameterPlaceholder(start + i)
	}
	return strings.Join(ph, ", ")
}
