package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"pagelift/internal/domain"
)

const verificationColumns = `id,action_id,run_id,status,checks_json,attempts,next_check_at,claimed_at,completed_at,created_at,updated_at`

func (r Repo) InsertVerification(ctx context.Context, tx *sql.Tx, v domain.VerificationResult) error {
	checks, err := marshalChecks(v.Checks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agent_verifications(`+verificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ActionID, v.RunID, v.Status, nullableStringPtr(checks), v.Attempts,
		nullableStringPtr(v.NextCheckAt), nullableStringPtr(v.ClaimedAt), nullableStringPtr(v.CompletedAt),
		v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) UpdateVerification(ctx context.Context, tx *sql.Tx, v domain.VerificationResult) error {
	checks, err := marshalChecks(v.Checks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE agent_verifications SET status=?, checks_json=?, attempts=?, next_check_at=?, claimed_at=?, completed_at=?, updated_at=? WHERE id=?`,
		v.Status, nullableStringPtr(checks), v.Attempts, nullableStringPtr(v.NextCheckAt),
		nullableStringPtr(v.ClaimedAt), nullableStringPtr(v.CompletedAt), v.UpdatedAt, v.ID)
	return err
}

// ClaimVerification marks a due item as being processed by this sweep. The
// conditional update makes overlapping sweeps pick disjoint items.
func (r Repo) ClaimVerification(ctx context.Context, id, claimedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE agent_verifications SET claimed_at=?, updated_at=? WHERE id=? AND claimed_at IS NULL AND status IN (?,?)`,
		claimedAt, claimedAt, id, domain.VerifyPending, domain.VerifyNeedsRecheck)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ReleaseVerification(ctx context.Context, id, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agent_verifications SET claimed_at=NULL, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

func scanVerification(scan func(dest ...any) error) (domain.VerificationResult, error) {
	var v domain.VerificationResult
	var checks, nextCheckAt, claimedAt, completedAt sql.NullString
	err := scan(&v.ID, &v.ActionID, &v.RunID, &v.Status, &checks, &v.Attempts, &nextCheckAt, &claimedAt, &completedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return v, err
	}
	if checks.Valid {
		_ = json.Unmarshal([]byte(checks.String), &v.Checks)
	}
	if nextCheckAt.Valid {
		v.NextCheckAt = &nextCheckAt.String
	}
	if claimedAt.Valid {
		v.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		v.CompletedAt = &completedAt.String
	}
	return v, nil
}

func (r Repo) GetVerification(ctx context.Context, actionID, runID string) (domain.VerificationResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM agent_verifications WHERE action_id=? AND run_id=?`, actionID, runID)
	v, err := scanVerification(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) GetVerificationByID(ctx context.Context, id string) (domain.VerificationResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM agent_verifications WHERE id=?`, id)
	v, err := scanVerification(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

type VerificationFilters struct {
	Owner domain.Owner
	DueBy string
	Force bool
	Limit int
}

// ListDueVerifications returns pending/needs_recheck items whose
// next_check_at is at or before DueBy, ordered soonest first. Force ignores
// the timestamp and returns everything still pending.
func (r Repo) ListDueVerifications(ctx context.Context, f VerificationFilters) ([]domain.VerificationResult, error) {
	clauses := []string{"v.status IN ('pending','needs_recheck')"}
	var args []any
	if !f.Force {
		clauses = append(clauses, "v.next_check_at IS NOT NULL AND v.next_check_at <= ?")
		args = append(args, f.DueBy)
	}
	if f.Owner.UserID != "" {
		clauses = append(clauses, "a.user_id=?")
		args = append(args, f.Owner.UserID)
	}
	if f.Owner.SiteURL != "" {
		clauses = append(clauses, "a.site_url=?")
		args = append(args, f.Owner.SiteURL)
	}
	query := `SELECT v.id,v.action_id,v.run_id,v.status,v.checks_json,v.attempts,v.next_check_at,v.claimed_at,v.completed_at,v.created_at,v.updated_at
FROM agent_verifications v JOIN agent_actions a ON a.id=v.action_id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY v.next_check_at ASC, v.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationResult
	for rows.Next() {
		v, err := scanVerification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListRecentVerifications returns the latest results for an owner, newest
// first; the history read path behind GET /verify without ids.
func (r Repo) ListRecentVerifications(ctx context.Context, owner domain.Owner, limit int) ([]domain.VerificationResult, error) {
	clauses := []string{"a.user_id=?"}
	args := []any{owner.UserID}
	if owner.SiteURL != "" {
		clauses = append(clauses, "a.site_url=?")
		args = append(args, owner.SiteURL)
	}
	query := `SELECT v.id,v.action_id,v.run_id,v.status,v.checks_json,v.attempts,v.next_check_at,v.claimed_at,v.completed_at,v.created_at,v.updated_at
FROM agent_verifications v JOIN agent_actions a ON a.id=v.action_id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY v.updated_at DESC, v.id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerificationResult
	for rows.Next() {
		v, err := scanVerification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func marshalChecks(checks []domain.CheckDetail) (*string, error) {
	if len(checks) == 0 {
		return nil, nil
	}
	return marshalJSON(checks)
}
