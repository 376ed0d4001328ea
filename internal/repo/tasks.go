package repo

import (
	"context"
	"database/sql"
	"strings"

	"trak/internal/domain"
)

const taskColumns = `id,story_code,title,assignee,status,retrospective_id,created_at,updated_at,completed_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var assignee, retroID, completedAt sql.NullString
	err := scan(&t.ID, &t.StoryCode, &t.Title, &assignee, &t.Status, &retroID, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if retroID.Valid {
		t.RetrospectiveID = &retroID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,story_code,title,assignee,status,retrospective_id,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.StoryCode, t.Title, nullableStringPtr(t.Assignee), t.Status, nullableStringPtr(t.RetrospectiveID),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, assignee=?, status=?, retrospective_id=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullableStringPtr(t.Assignee), t.Status, nullableStringPtr(t.RetrospectiveID),
		t.UpdatedAt, nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

type TaskFilters struct {
	StoryCode string
	Status    string
	Assignee  string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.StoryCode != "" {
		clauses = append(clauses, "story_code=?")
		args = append(args, f.StoryCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListStoryTasks satisfies the governance pipeline's task source.
func (r Repo) ListStoryTasks(ctx context.Context, storyCode string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{StoryCode: storyCode})
}

func (r Repo) CountTasksByStatus(ctx context.Context, storyCode string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE story_code=? GROUP BY status`, storyCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
