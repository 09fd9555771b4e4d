package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"pagelift/internal/domain"
)

const actionColumns = `id,user_id,site_url,idea_id,action_type,title,description,payload_json,policy_json,priority_score,scheduled_for,status,status_reason,verification_status,created_at,updated_at,queued_at,started_at,completed_at,failed_at`

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	policy, err := marshalPolicy(a.Policy)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agent_actions(`+actionColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.SiteURL, nullableStringPtr(a.IdeaID), a.ActionType, a.Title, nullable(a.Description),
		nullableRaw(a.Payload), nullableStringPtr(policy), a.PriorityScore, nullableStringPtr(a.ScheduledFor),
		a.Status, nullable(a.StatusReason), nullable(a.VerificationStatus), a.CreatedAt, a.UpdatedAt,
		nullableStringPtr(a.QueuedAt), nullableStringPtr(a.StartedAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.FailedAt))
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	policy, err := marshalPolicy(a.Policy)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE agent_actions SET title=?, description=?, payload_json=?, policy_json=?, priority_score=?, scheduled_for=?, status=?, status_reason=?, verification_status=?, updated_at=?, queued_at=?, started_at=?, completed_at=?, failed_at=? WHERE id=?`,
		a.Title, nullable(a.Description), nullableRaw(a.Payload), nullableStringPtr(policy), a.PriorityScore,
		nullableStringPtr(a.ScheduledFor), a.Status, nullable(a.StatusReason), nullable(a.VerificationStatus),
		a.UpdatedAt, nullableStringPtr(a.QueuedAt), nullableStringPtr(a.StartedAt),
		nullableStringPtr(a.CompletedAt), nullableStringPtr(a.FailedAt), a.ID)
	return err
}

// ClaimActionRunning flips queued->running with a single conditional update.
// Exactly one of two racing workers observes a row change; the loser sees
// false and must treat the job as already claimed.
func (r Repo) ClaimActionRunning(ctx context.Context, tx *sql.Tx, actionID, startedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_actions SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.ActionRunning, startedAt, startedAt, actionID, domain.ActionQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var ideaID, description, payload, policy, scheduledFor, statusReason, verifyStatus sql.NullString
	var queuedAt, startedAt, completedAt, failedAt sql.NullString
	err := scan(&a.ID, &a.UserID, &a.SiteURL, &ideaID, &a.ActionType, &a.Title, &description, &payload, &policy,
		&a.PriorityScore, &scheduledFor, &a.Status, &statusReason, &verifyStatus, &a.CreatedAt, &a.UpdatedAt,
		&queuedAt, &startedAt, &completedAt, &failedAt)
	if err != nil {
		return a, err
	}
	if ideaID.Valid {
		a.IdeaID = &ideaID.String
	}
	if description.Valid {
		a.Description = description.String
	}
	if payload.Valid {
		a.Payload = json.RawMessage(payload.String)
	}
	if policy.Valid {
		var p domain.Policy
		if err := json.Unmarshal([]byte(policy.String), &p); err != nil {
			return a, err
		}
		a.Policy = &p
	}
	if scheduledFor.Valid {
		a.ScheduledFor = &scheduledFor.String
	}
	if statusReason.Valid {
		a.StatusReason = statusReason.String
	}
	if verifyStatus.Valid {
		a.VerificationStatus = verifyStatus.String
	}
	if queuedAt.Valid {
		a.QueuedAt = &queuedAt.String
	}
	if startedAt.Valid {
		a.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if failedAt.Valid {
		a.FailedAt = &failedAt.String
	}
	return a, nil
}

func (r Repo) GetAction(ctx context.Context, id string, owner domain.Owner) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id=? AND user_id=?`, id, owner.UserID)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string, owner domain.Owner) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id=? AND user_id=?`, id, owner.UserID)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// GetActionAny looks up an action without an owner scope. Reserved for the
// worker and verification paths, which operate on jobs already scoped at
// enqueue time.
func (r Repo) GetActionAny(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id=?`, id)
	a, err := scanAction(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type ActionFilters struct {
	Owner           domain.Owner
	Status          string
	ActionType      string
	IdeaID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
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
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.IdeaID != "" {
		clauses = append(clauses, "idea_id=?")
		args = append(args, f.IdeaID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + actionColumns + ` FROM agent_actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) CountActionsForIdea(ctx context.Context, tx *sql.Tx, ideaID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM agent_actions WHERE idea_id=?`, ideaID).Scan(&n)
	return n, err
}

func marshalPolicy(p *domain.Policy) (*string, error) {
	if p == nil {
		return nil, nil
	}
	return marshalJSON(p)
}
