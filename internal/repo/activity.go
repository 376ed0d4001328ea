package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trak/internal/domain"
)

func scanActivity(scan func(dest ...any) error) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var story, payload sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &story, &e.EntityKind, &e.EntityID, &e.Actor, &payload)
	if err != nil {
		return e, err
	}
	if story.Valid {
		e.StoryCode = story.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// LatestActivity returns entries newest-first, optionally filtered, paging
// backwards from cursor (exclusive) when cursor > 0.
func (r Repo) LatestActivity(ctx context.Context, limit int, cursor int64, storyCode, entryType string) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if storyCode != "" {
		clauses = append(clauses, "story_code=?")
		args = append(args, storyCode)
	}
	if entryType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, entryType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,story_code,entity_kind,entity_id,actor,payload FROM activity %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ActivityAfter returns entries with IDs greater than the cursor in ascending
// order. The webhook dispatcher uses it to walk the log forward.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,story_code,entity_kind,entity_id,actor,payload FROM activity WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent activity ID.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity`).Scan(&id)
	return id, err
}
