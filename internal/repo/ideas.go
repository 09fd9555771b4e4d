package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"pagelift/internal/domain"
)

func (r Repo) InsertIdea(ctx context.Context, tx *sql.Tx, idea domain.Idea) error {
	tags, err := marshalStringSlice(idea.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO ideas(id,user_id,site_url,title,hypothesis,evidence_json,ice_score,tags_json,status,created_at,adopted_at,rejected_at,done_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		idea.ID, idea.UserID, idea.SiteURL, idea.Title, nullable(idea.Hypothesis), nullableRaw(idea.Evidence),
		nullableIntPtr(idea.ICEScore), nullableStringPtr(tags), idea.Status, idea.CreatedAt,
		nullableStringPtr(idea.AdoptedAt), nullableStringPtr(idea.RejectedAt), nullableStringPtr(idea.DoneAt))
	return err
}

const ideaColumns = `id,user_id,site_url,title,hypothesis,evidence_json,ice_score,tags_json,status,created_at,adopted_at,rejected_at,done_at`

func scanIdea(scan func(dest ...any) error) (domain.Idea, error) {
	var idea domain.Idea
	var hypothesis, evidence, tags, adoptedAt, rejectedAt, doneAt sql.NullString
	var ice sql.NullInt64
	err := scan(&idea.ID, &idea.UserID, &idea.SiteURL, &idea.Title, &hypothesis, &evidence, &ice, &tags,
		&idea.Status, &idea.CreatedAt, &adoptedAt, &rejectedAt, &doneAt)
	if err != nil {
		return idea, err
	}
	if hypothesis.Valid {
		idea.Hypothesis = hypothesis.String
	}
	if evidence.Valid {
		idea.Evidence = json.RawMessage(evidence.String)
	}
	if ice.Valid {
		v := int(ice.Int64)
		idea.ICEScore = &v
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &idea.Tags)
	}
	if adoptedAt.Valid {
		idea.AdoptedAt = &adoptedAt.String
	}
	if rejectedAt.Valid {
		idea.RejectedAt = &rejectedAt.String
	}
	if doneAt.Valid {
		idea.DoneAt = &doneAt.String
	}
	return idea, nil
}

// GetIdea returns the idea only when the owner scope matches; a mismatch is
// ErrNotFound, never a distinct error.
func (r Repo) GetIdea(ctx context.Context, id string, owner domain.Owner) (domain.Idea, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=? AND user_id=?`, id, owner.UserID)
	idea, err := scanIdea(row.Scan)
	if err == sql.ErrNoRows {
		return idea, ErrNotFound
	}
	return idea, err
}

func (r Repo) GetIdeaTx(ctx context.Context, tx *sql.Tx, id string, owner domain.Owner) (domain.Idea, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=? AND user_id=?`, id, owner.UserID)
	idea, err := scanIdea(row.Scan)
	if err == sql.ErrNoRows {
		return idea, ErrNotFound
	}
	return idea, err
}

func (r Repo) UpdateIdeaStatus(ctx context.Context, tx *sql.Tx, idea domain.Idea) error {
	_, err := tx.ExecContext(ctx, `UPDATE ideas SET status=?, adopted_at=?, rejected_at=?, done_at=? WHERE id=?`,
		idea.Status, nullableStringPtr(idea.AdoptedAt), nullableStringPtr(idea.RejectedAt), nullableStringPtr(idea.DoneAt), idea.ID)
	return err
}

type IdeaFilters struct {
	Owner           domain.Owner
	Status          string
	Tag             string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIdeas(ctx context.Context, f IdeaFilters) ([]domain.Idea, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.Owner.UserID}
	if f.Owner.SiteURL != "" {
		clauses = append(clauses, "site_url=?")
		args = append(args, f.Owner.SiteURL)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Tag != "" {
		// tags_json is a JSON array of strings.
		clauses = append(clauses, "tags_json LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + ideaColumns + ` FROM ideas WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		idea, err := scanIdea(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, idea)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
