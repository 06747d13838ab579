package dialect

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", DialectType("mysql"), "", true},
		{"unknown", DialectType("unknown"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"SQLite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "pgx", false},
		{"postgresql", "postgres", "pgx", false},
		{"pgx", "postgres", "pgx", false},
		{"mysql", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
			if d.DriverName() != tt.wantDriver {
				t.Errorf("DriverName() = %v, want %v", d.DriverName(), tt.wantDriver)
			}
		})
	}
}

func TestSQLiteDialect_Rebind(t *testing.T) {
	d := &sqliteDialect{}
	query := "SELECT * FROM purchases WHERE user_id = ? AND purchased_at >= ?"
	if got := d.Rebind(query); got != query {
		t.Errorf("Rebind() = %v, want %v", got, query)
	}
}

func TestPostgresDialect_Rebind(t *testing.T) {
	d := &postgresDialect{}
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT * FROM interactions WHERE id = ?", "SELECT * FROM interactions WHERE id = $1"},
		{"SELECT * FROM interactions WHERE id = ? AND user_id = ?", "SELECT * FROM interactions WHERE id = $1 AND user_id = $2"},
		{"INSERT INTO calendar_feeds VALUES (?, ?, ?)", "INSERT INTO calendar_feeds VALUES ($1, $2, $3)"},
		{"SELECT * FROM purchases", "SELECT * FROM purchases"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := d.Rebind(tt.query); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialect_UpsertClause(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		cols    []string
		want    string
	}{
		{"sqlite nothing", &sqliteDialect{}, nil, "ON CONFLICT (id) DO NOTHING"},
		{"sqlite update", &sqliteDialect{}, []string{"summary", "ends_at"}, "ON CONFLICT (id) DO UPDATE SET summary = excluded.summary, ends_at = excluded.ends_at"},
		{"postgres nothing", &postgresDialect{}, nil, "ON CONFLICT (id) DO NOTHING"},
		{"postgres update", &postgresDialect{}, []string{"summary", "ends_at"}, "ON CONFLICT (id) DO UPDATE SET summary = EXCLUDED.summary, ends_at = EXCLUDED.ends_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.UpsertClause("id", tt.cols); got != tt.want {
				t.Errorf("UpsertClause() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialect_Types(t *testing.T) {
	tests := []struct {
		name          string
		dialect       Dialect
		boolType      string
		timestampType string
		realType      string
	}{
		{"sqlite", &sqliteDialect{}, "INTEGER", "TIMESTAMP", "REAL"},
		{"postgres", &postgresDialect{}, "BOOLEAN", "TIMESTAMP WITH TIME ZONE", "DOUBLE PRECISION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.BooleanType(); got != tt.boolType {
				t.Errorf("BooleanType() = %v, want %v", got, tt.boolType)
			}
			if got := tt.dialect.TimestampType(); got != tt.timestampType {
				t.Errorf("TimestampType() = %v, want %v", got, tt.timestampType)
			}
			if got := tt.dialect.RealType(); got != tt.realType {
				t.Errorf("RealType() = %v, want %v", got, tt.realType)
			}
		})
	}
}

func TestDialect_PragmaStatements(t *testing.T) {
	pragmas := (&sqliteDialect{}).PragmaStatements()
	if len(pragmas) == 0 {
		t.Fatal("SQLite should have pragma statements")
	}
	if !strings.Contains(strings.Join(pragmas, ";"), "foreign_keys=ON") {
		t.Error("SQLite should enable foreign keys")
	}
	if (&postgresDialect{}).PragmaStatements() != nil {
		t.Error("PostgreSQL should not have pragma statements")
	}
}
