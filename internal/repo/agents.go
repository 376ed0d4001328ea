package repo

import (
	"context"
	"database/sql"

	"trak/internal/domain"
)

const agentColumns = `id,role,name,story_code,created_at`

func scanAgent(scan func(dest ...any) error) (domain.AgentDefinition, error) {
	var a domain.AgentDefinition
	var story sql.NullString
	err := scan(&a.ID, &a.Role, &a.Name, &story, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if story.Valid {
		a.StoryCode = &story.String
	}
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.AgentDefinition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,role,name,story_code,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Role, a.Name, nullableStringPtr(a.StoryCode), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.AgentDefinition, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id).Scan)
}

// ListAgents returns agent definitions. An empty storyCode lists everything;
// otherwise the story's own definitions plus the globals it can reach.
func (r Repo) ListAgents(ctx context.Context, storyCode string) ([]domain.AgentDefinition, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY created_at ASC, id ASC`
	var args []any
	if storyCode != "" {
		query = `SELECT ` + agentColumns + ` FROM agents WHERE story_code=? OR story_code IS NULL ORDER BY created_at ASC, id ASC`
		args = append(args, storyCode)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// HasAnyDefinition reports whether any definition is scoped to the story.
// Global definitions deliberately do not count.
func (r Repo) HasAnyDefinition(ctx context.Context, storyCode string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM agents WHERE story_code=?`, storyCode).Scan(&n)
	return n > 0, err
}

// ResolveBaseName looks up a definition by base name, story scope first, then
// global.
func (r Repo) ResolveBaseName(ctx context.Context, storyCode, baseName string) (domain.AgentDefinition, bool, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name=? AND story_code=? LIMIT 1`, baseName, storyCode).Scan)
	if err == nil {
		return a, true, nil
	}
	if err != ErrNotFound {
		return domain.AgentDefinition{}, false, err
	}
	a, err = scanAgent(r.DB.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name=? AND story_code IS NULL LIMIT 1`, baseName).Scan)
	if err == ErrNotFound {
		return domain.AgentDefinition{}, false, nil
	}
	if err != nil {
		return domain.AgentDefinition{}, false, err
	}
	return a, true, nil
}

// RolesInScope returns the distinct roles of definitions reachable from the
// story.
func (r Repo) RolesInScope(ctx context.Context, storyCode string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT role FROM agents WHERE story_code=? OR story_code IS NULL ORDER BY role ASC`, storyCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AgentNameTaken reports whether name is already registered in the given
// scope. A nil storyCode checks the global scope.
func (r Repo) AgentNameTaken(ctx context.Context, tx *sql.Tx, storyCode *string, name string) (bool, error) {
	var n int
	var err error
	if storyCode == nil {
		err = tx.QueryRowContext(ctx, `SELECT count(*) FROM agents WHERE name=? AND story_code IS NULL`, name).Scan(&n)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT count(*) FROM agents WHERE name=? AND story_code=?`, name, *storyCode).Scan(&n)
	}
	return n > 0, err
}
