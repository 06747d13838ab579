package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/intentguard/internal/core/ports"
	"github.com/tjfontaine/intentguard/internal/storage/dialect"
)

// Store is a SQL implementation of ports.Store that supports SQLite and
// PostgreSQL.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	dsn := cfg.DSN
	if d.Name() == string(dialect.SQLite) {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// sqliteDSN makes the driver write timestamps in a sortable layout so range
// queries can compare them as text.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	var (
		ts  = s.dialect.TimestampType()
		b   = s.dialect.BooleanType()
		num = s.dialect.RealType()
	)
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS calendar_feeds (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			created_at %s NOT NULL,
			UNIQUE (user_id, url)
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS calendar_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			starts_at %s NOT NULL,
			ends_at %s NOT NULL,
			all_day %s NOT NULL DEFAULT FALSE,
			source TEXT NOT NULL
		)`, ts, ts, b),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flight_bookings (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			trip_id TEXT NOT NULL,
			leg TEXT NOT NULL,
			airline TEXT NOT NULL DEFAULT '',
			flight_number TEXT NOT NULL DEFAULT '',
			departure_date %s NOT NULL,
			departure_time TEXT NOT NULL DEFAULT '',
			departure_airport TEXT NOT NULL DEFAULT '',
			arrival_time TEXT NOT NULL DEFAULT '',
			arrival_airport TEXT NOT NULL DEFAULT '',
			destination TEXT NOT NULL DEFAULT '',
			price_amount %s NOT NULL DEFAULT 0,
			price_currency TEXT NOT NULL DEFAULT '',
			self_transfer %s NOT NULL DEFAULT FALSE,
			booked_at %s NOT NULL
		)`, ts, num, b, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			price %s NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 1,
			domain TEXT NOT NULL DEFAULT '',
			product_url TEXT NOT NULL DEFAULT '',
			returned %s NOT NULL DEFAULT FALSE,
			purchased_at %s NOT NULL
		)`, num, b, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			title TEXT NOT NULL,
			intent_type TEXT NOT NULL,
			intent_data TEXT NOT NULL,
			risk_factors TEXT NOT NULL,
			intervention_message TEXT NOT NULL DEFAULT '',
			was_intervened %s NOT NULL DEFAULT FALSE,
			feedback TEXT NOT NULL DEFAULT '',
			compute_cost %s NOT NULL DEFAULT 0,
			money_saved %s NOT NULL DEFAULT 0,
			platform_fee %s NOT NULL DEFAULT 0,
			hour_of_day INTEGER NOT NULL DEFAULT 0,
			analyzed_at %s NOT NULL
		)`, b, num, num, num, ts),
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	if err := s.runMigrations(); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_calendar_events_user_start ON calendar_events(user_id, starts_at)`,
		`CREATE INDEX IF NOT EXISTS idx_flight_bookings_user_departure ON flight_bookings(user_id, departure_date)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user_purchased ON purchases(user_id, purchased_at)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user_analyzed ON interactions(user_id, analyzed_at)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// runMigrations adds columns introduced after the first schema.
func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"interactions", "mistake_types", "ALTER TABLE interactions ADD COLUMN mistake_types TEXT"},
		{"interactions", "domain_record_ids", "ALTER TABLE interactions ADD COLUMN domain_record_ids TEXT"},
		{"interactions", "unavailable_sources", "ALTER TABLE interactions ADD COLUMN unavailable_sources TEXT"},
		{"interactions", "categories", "ALTER TABLE interactions ADD COLUMN categories TEXT"},
		{"calendar_events", "tz", "ALTER TABLE calendar_events ADD COLUMN tz TEXT NOT NULL DEFAULT ''"},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if !exists {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add column %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	var count int
	err := s.db.QueryRow(s.dialect.ColumnExistsQuery(), table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// inTx runs fn in a transaction, rolling back when it fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
