package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the connection up to the current schema. Applied scripts
// are recorded by filename in schema_migrations, so reruns are no-ops and
// files added later apply incrementally. Each script runs in its own
// transaction together with its ledger row.
func Migrate(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}
	applied, err := appliedMigrations(conn)
	if err != nil {
		return err
	}
	// fs.ReadDir returns entries sorted by filename, which is the apply order.
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || applied[entry.Name()] {
			continue
		}
		if err := applyMigration(conn, entry.Name()); err != nil {
			return fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func appliedMigrations(conn *sql.DB) (map[string]bool, error) {
	rows, err := conn.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func applyMigration(conn *sql.DB, name string) error {
	script, err := schemaFS.ReadFile("sql/" + name)
	if err != nil {
		return err
	}
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(script)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(name, applied_at) VALUES (?,?)`,
		name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
