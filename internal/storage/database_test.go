package storage

import (
	"testing"

	"cardscan/internal/config"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"sqlite":     "sqlite3",
		"SQLite3":    "sqlite3",
		"postgres":   "pgx",
		"postgresql": "pgx",
		"mysql":      "mysql",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	db, err := Open("sqlite", config.DatabaseConfig{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(db, "sqlite3"); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM scan_events`).Scan(&count); err != nil {
		t.Fatalf("query scan_events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty table, got %d rows", count)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open("oracle", config.DatabaseConfig{}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite3", config.DatabaseConfig{}); err == nil {
		t.Fatalf("expected error for empty sqlite dsn")
	}
}
