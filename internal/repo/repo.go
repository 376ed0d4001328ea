package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"trak/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertFeature(ctx context.Context, tx *sql.Tx, f domain.Feature) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO features(code,name,created_at) VALUES (?,?,?)`,
		f.Code, f.Name, f.CreatedAt)
	return err
}

func (r Repo) GetFeature(ctx context.Context, code string) (domain.Feature, error) {
	var f domain.Feature
	err := r.DB.QueryRowContext(ctx, `SELECT code,name,created_at FROM features WHERE code=?`, code).
		Scan(&f.Code, &f.Name, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) GetFeatureTx(ctx context.Context, tx *sql.Tx, code string) (domain.Feature, error) {
	var f domain.Feature
	err := tx.QueryRowContext(ctx, `SELECT code,name,created_at FROM features WHERE code=?`, code).
		Scan(&f.Code, &f.Name, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) ListFeatures(ctx context.Context) ([]domain.Feature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT code,name,created_at FROM features ORDER BY created_at DESC, code DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feature
	for rows.Next() {
		var f domain.Feature
		if err := rows.Scan(&f.Code, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// NextStorySeq returns the next per-feature sequence number. Callers must run
// it inside the same transaction that inserts the story so two concurrent
// creates cannot mint the same code.
func (r Repo) NextStorySeq(ctx context.Context, tx *sql.Tx, featureCode string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM stories WHERE feature_code=?`, featureCode).Scan(&seq)
	return seq, err
}

func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(code,feature_code,seq,title,status,extensions_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.Code, s.FeatureCode, s.Seq, s.Title, s.Status, nullableStringPtr(s.ExtensionsJSON), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanStory(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	var ext sql.NullString
	err := scan(&s.Code, &s.FeatureCode, &s.Seq, &s.Title, &s.Status, &ext, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if ext.Valid {
		s.ExtensionsJSON = &ext.String
	}
	return s, nil
}

const storyColumns = `code,feature_code,seq,title,status,extensions_json,created_at,updated_at`

func (r Repo) GetStory(ctx context.Context, code string) (domain.Story, error) {
	return scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE code=?`, code).Scan)
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, code string) (domain.Story, error) {
	return scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE code=?`, code).Scan)
}

type StoryFilters struct {
	FeatureCode string
	Status      string
}

func (r Repo) ListStories(ctx context.Context, f StoryFilters) ([]domain.Story, error) {
	var clauses []string
	var args []any
	if f.FeatureCode != "" {
		clauses = append(clauses, "feature_code=?")
		args = append(args, f.FeatureCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + storyColumns + ` FROM stories ` + where + ` ORDER BY feature_code ASC, seq ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStoryStatus(ctx context.Context, tx *sql.Tx, code, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=?, updated_at=? WHERE code=?`, status, updatedAt, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
