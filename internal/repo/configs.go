package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trak/internal/config"
)

// The workspace has a single config snapshot; a fixed row ID keeps the
// upsert simple.
const workspaceConfigID = "workspace"

func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	return upsertConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertConfig(ctx, nil, tx, cfg)
}

func upsertConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO configs(id,content,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET content=excluded.content`, workspaceConfigID, string(payload), now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT content FROM configs WHERE id=?`, workspaceConfigID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}
