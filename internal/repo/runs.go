package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pagelift/internal/domain"
)

const runColumns = `id,action_id,idempotency_key,attempt,started_at,finished_at,outcome_json,error`

// InsertRun starts a new run. The partial unique index on agent_runs rejects
// a second non-terminal run for the same action.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.ActionID, run.IdempotencyKey, run.Attempt, run.StartedAt,
		nullableStringPtr(run.FinishedAt), nullableRaw(run.Outcome), nullable(run.Error))
	return err
}

func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, runID, finishedAt string, outcome json.RawMessage, runErr string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_runs SET finished_at=?, outcome_json=?, error=? WHERE id=?`,
		finishedAt, nullableRaw(outcome), nullable(runErr), runID)
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var finishedAt, outcome, runErr sql.NullString
	err := scan(&run.ID, &run.ActionID, &run.IdempotencyKey, &run.Attempt, &run.StartedAt, &finishedAt, &outcome, &runErr)
	if err != nil {
		return run, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	if outcome.Valid {
		run.Outcome = json.RawMessage(outcome.String)
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context, actionID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE action_id=? ORDER BY started_at DESC, id DESC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountRuns returns the number of runs recorded for an action; used to derive
// the attempt number of the next run.
func (r Repo) CountRuns(ctx context.Context, tx *sql.Tx, actionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM agent_runs WHERE action_id=?`, actionID).Scan(&n)
	return n, err
}
