package repo

import (
	"context"
	"database/sql"

	"trak/internal/domain"
)

func (r Repo) InsertRetrospective(ctx context.Context, tx *sql.Tx, re domain.Retrospective) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO retrospectives(id,task_id,story_code,summary,created_at) VALUES (?,?,?,?,?)`,
		re.ID, re.TaskID, re.StoryCode, re.Summary, re.CreatedAt)
	return err
}

func (r Repo) GetRetrospective(ctx context.Context, id string) (domain.Retrospective, error) {
	var re domain.Retrospective
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,story_code,summary,created_at FROM retrospectives WHERE id=?`, id).
		Scan(&re.ID, &re.TaskID, &re.StoryCode, &re.Summary, &re.CreatedAt)
	if err == sql.ErrNoRows {
		return re, ErrNotFound
	}
	return re, err
}

func (r Repo) ListRetrospectives(ctx context.Context, storyCode string) ([]domain.Retrospective, error) {
	query := `SELECT id,task_id,story_code,summary,created_at FROM retrospectives ORDER BY created_at ASC, id ASC`
	var args []any
	if storyCode != "" {
		query = `SELECT id,task_id,story_code,summary,created_at FROM retrospectives WHERE story_code=? ORDER BY created_at ASC, id ASC`
		args = append(args, storyCode)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Retrospective
	for rows.Next() {
		var re domain.Retrospective
		if err := rows.Scan(&re.ID, &re.TaskID, &re.StoryCode, &re.Summary, &re.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, rows.Err()
}
