package db

import (
	"os"
	"testing"
)

func TestOpenAppliesSchema(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(Path(ws)); err != nil {
		t.Fatalf("database file: %v", err)
	}

	tables := []string{
		"features", "stories", "agents", "tasks",
		"retrospectives", "activity", "configs", "api_keys",
	}
	for _, table := range tables {
		var name string
		err := conn.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if applied == 0 {
		t.Fatal("expected at least one ledger row after open")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := Open(Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	var before int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&before); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var after int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&after); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if before != after {
		t.Fatalf("ledger grew from %d to %d on rerun", before, after)
	}
}
