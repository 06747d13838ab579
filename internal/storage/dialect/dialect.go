// Package dialect provides database dialect abstractions for the SQL store.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// DriverName returns the database/sql driver name to use.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// BooleanType returns the SQL type for boolean values.
	BooleanType() string

	// TimestampType returns the SQL type for timestamps.
	TimestampType() string

	// RealType returns the SQL type for monetary and cost values.
	RealType() string

	// UpsertClause returns the ON CONFLICT clause for upserts.
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns initialization statements run on open.
	PragmaStatements() []string

	// ColumnExistsQuery returns a query to check if a column exists in a table.
	ColumnExistsQuery() string
}

// DialectType represents supported database types.
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// New creates a new Dialect based on the dialect type.
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func upsert(conflictColumn string, updateColumns []string, excluded string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = %s.%s", col, excluded, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}

// sqliteDialect implements Dialect for SQLite (modernc.org/sqlite).
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) BooleanType() string   { return "INTEGER" }
func (d *sqliteDialect) TimestampType() string { return "TIMESTAMP" }
func (d *sqliteDialect) RealType() string      { return "REAL" }

func (d *sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "excluded")
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

func (d *sqliteDialect) ColumnExistsQuery() string {
	return `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`
}

// postgresDialect implements Dialect for PostgreSQL through pgx's
// database/sql driver.
type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&result, "$%d", idx)
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) BooleanType() string   { return "BOOLEAN" }
func (d *postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (d *postgresDialect) RealType() string      { return "DOUBLE PRECISION" }

func (d *postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return upsert(conflictColumn, updateColumns, "EXCLUDED")
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil
}

func (d *postgresDialect) ColumnExistsQuery() string {
	return `SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`
}
