// Package queue delivers ready-to-run actions to workers with priority and
// delay ordering, an idempotency guard against duplicate submission, and
// bounded retry with exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagelift/internal/config"
	"pagelift/internal/domain"
	"pagelift/internal/events"
	"pagelift/internal/fault"
)

// ErrEmpty is returned by Dequeue when no job is ready.
var ErrEmpty = errors.New("queue empty")

// ErrClosed is returned by Enqueue/Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Manager schedules jobs onto the queue_jobs table. Ordering is priority
// descending, then not_before, then enqueue sequence (FIFO among ties).
type Manager struct {
	DB     *sql.DB
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	mu     sync.Mutex
	closed bool
}

func New(db *sql.DB, cfg *config.Config) *Manager {
	return &Manager{
		DB:     db,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// EnqueueRequest carries everything a worker needs; payload and policy are
// snapshots, so later edits to the action do not leak into a queued attempt.
type EnqueueRequest struct {
	ActionID          string
	Owner             domain.Owner
	ActionType        string
	Payload           json.RawMessage
	Policy            domain.Policy
	Priority          int
	Delay             time.Duration
	AttemptGeneration int
	TriggeredBy       string
}

// IdempotencyKey derives the deterministic key for one logical attempt of an
// action. The same (action, generation) pair always maps to the same key.
func IdempotencyKey(actionID string, attemptGeneration int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", actionID, attemptGeneration))).String()
}

// Enqueue submits a job. A duplicate submission with the same idempotency key
// is a no-op that returns the existing job id.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if m.isClosed() {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: ErrClosed}
	}
	if req.ActionID == "" {
		return "", fault.ValidationError{Field: "action_id", Reason: "required"}
	}
	if req.ActionType == "" {
		return "", fault.ValidationError{Field: "action_type", Reason: "required"}
	}
	key := IdempotencyKey(req.ActionID, req.AttemptGeneration)
	policyJSON, err := json.Marshal(req.Policy)
	if err != nil {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}
	now := m.now().UTC()
	notBefore := now.Add(req.Delay)
	jobID := uuid.New().String()
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "system"
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM queue_jobs WHERE idempotency_key=?`, key).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO queue_jobs(id,idempotency_key,action_id,user_id,site_url,action_type,payload_json,policy_json,priority,status,attempt,max_attempts,not_before,enqueued_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		jobID, key, req.ActionID, req.Owner.UserID, req.Owner.SiteURL, req.ActionType, payload, string(policyJSON),
		req.Priority, domain.JobReady, 0, m.Config.Queue.MaxAttempts,
		notBefore.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		// Racing duplicate: the unique key lost to a concurrent insert.
		if strings.Contains(err.Error(), "UNIQUE") {
			if scanErr := m.DB.QueryRowContext(ctx, `SELECT id FROM queue_jobs WHERE idempotency_key=?`, key).Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "job.enqueued",
		UserID:      req.Owner.UserID,
		SiteURL:     req.Owner.SiteURL,
		EntityType:  "job",
		EntityID:    jobID,
		NewState:    domain.JobReady,
		TriggeredBy: triggeredBy,
		Metadata:    events.Metadata{"action_id": req.ActionID, "priority": req.Priority, "not_before": notBefore.Format(time.RFC3339)},
	}); err != nil {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: err}
	}
	return jobID, nil
}

const jobColumns = `seq,id,idempotency_key,action_id,user_id,site_url,action_type,payload_json,policy_json,priority,status,attempt,max_attempts,not_before,last_error,enqueued_at,claimed_by,claimed_at`

// Dequeue claims the highest-priority ready job whose visibility time has
// passed. The claim is a conditional update inside one transaction, so two
// workers cannot both win the same job; losing the race moves on to the next
// ready job instead of misreporting an empty queue. ErrEmpty when nothing is
// ready.
func (m *Manager) Dequeue(ctx context.Context, workerID string) (domain.Job, error) {
	if m.isClosed() {
		return domain.Job{}, ErrClosed
	}
	now := m.now().UTC().Format(time.RFC3339)
	for {
		job, won, err := m.claimNext(ctx, workerID, now)
		if err != nil {
			return domain.Job{}, err
		}
		if won {
			return job, nil
		}
		// The candidate left the ready lane under us; the next pass sees the
		// remaining ready jobs, so this terminates.
	}
}

// claimNext runs one select-and-claim pass. won is false when another worker
// claimed the candidate first.
func (m *Manager) claimNext(ctx context.Context, workerID, now string) (domain.Job, bool, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs
WHERE status=? AND not_before<=?
ORDER BY priority DESC, not_before ASC, seq ASC LIMIT 1`, domain.JobReady, now)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Job{}, false, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status=?, claimed_by=?, claimed_at=? WHERE id=? AND status=?`,
		domain.JobClaimed, workerID, now, job.ID, domain.JobReady)
	if err != nil {
		return domain.Job{}, false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return domain.Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	job.Status = domain.JobClaimed
	job.ClaimedBy = &workerID
	job.ClaimedAt = &now
	return job, true, nil
}

// Complete marks a claimed job done.
func (m *Manager) Complete(ctx context.Context, job domain.Job) error {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status=? WHERE id=?`, domain.JobDone, job.ID); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "job.completed",
		UserID:      job.UserID,
		SiteURL:     job.SiteURL,
		EntityType:  "job",
		EntityID:    job.ID,
		PrevState:   domain.JobClaimed,
		NewState:    domain.JobDone,
		TriggeredBy: "system",
		Metadata:    events.Metadata{"action_id": job.ActionID, "attempt": job.Attempt},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail records a handler failure. Attempts remaining get the job back to
// ready with an exponential backoff delay; exhaustion moves it to the dead
// lane. Returns true when the job is dead and the action should be failed
// terminally.
func (m *Manager) Fail(ctx context.Context, job domain.Job, cause error) (bool, error) {
	attempt := job.Attempt + 1
	now := m.now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	dead := attempt >= job.MaxAttempts
	if dead {
		if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status=?, attempt=?, last_error=? WHERE id=?`,
			domain.JobDead, attempt, nullable(msg), job.ID); err != nil {
			return false, err
		}
		if err := m.Events.Append(ctx, tx, events.Record{
			Type:        "job.dead",
			UserID:      job.UserID,
			SiteURL:     job.SiteURL,
			EntityType:  "job",
			EntityID:    job.ID,
			PrevState:   domain.JobClaimed,
			NewState:    domain.JobDead,
			TriggeredBy: "system",
			Metadata:    events.Metadata{"action_id": job.ActionID, "attempt": attempt, "error": msg},
		}); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	delay := m.Config.QueueBackoff(job.Attempt)
	notBefore := now.Add(delay).Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE queue_jobs SET status=?, attempt=?, last_error=?, not_before=?, claimed_by=NULL, claimed_at=NULL WHERE id=?`,
		domain.JobReady, attempt, nullable(msg), notBefore, job.ID); err != nil {
		return false, err
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "job.retry",
		UserID:      job.UserID,
		SiteURL:     job.SiteURL,
		EntityType:  "job",
		EntityID:    job.ID,
		PrevState:   domain.JobClaimed,
		NewState:    domain.JobReady,
		TriggeredBy: "system",
		Metadata:    events.Metadata{"action_id": job.ActionID, "attempt": attempt, "not_before": notBefore, "error": msg},
	}); err != nil {
		return false, err
	}
	return false, tx.Commit()
}

// Supersede retires a claimed job without consuming an attempt. Used when
// the worker loses the queued->running race: the action is already being
// executed under another job, so this one must not be retried as a
// duplicate.
func (m *Manager) Supersede(ctx context.Context, job domain.Job) error {
	_, err := m.DB.ExecContext(ctx, `UPDATE queue_jobs SET status=?, claimed_by=NULL, claimed_at=NULL WHERE id=? AND status=?`,
		domain.JobDone, job.ID, domain.JobClaimed)
	return err
}

// AttemptGeneration returns the generation for the next logical submission:
// the number of terminally finished jobs for the action. A still-live job for
// the current generation shares its idempotency key, so re-submission is a
// no-op.
func (m *Manager) AttemptGeneration(ctx context.Context, actionID string) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM queue_jobs WHERE action_id=? AND status IN (?,?)`,
		actionID, domain.JobDone, domain.JobDead).Scan(&n)
	return n, err
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := m.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return job, fault.NotFoundError{Entity: "job", ID: jobID}
	}
	return job, err
}

// ListJobs returns jobs for an action, newest first.
func (m *Manager) ListJobs(ctx context.Context, actionID string) ([]domain.Job, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE action_id=? ORDER BY seq DESC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, rows.Err()
}

// Stats reports queue depth per status.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT status, count(*) FROM queue_jobs GROUP BY status`)
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

// Close stops accepting work. Safe to call more than once, and safe when no
// job was ever enqueued. The database handle is owned by the caller and is
// not closed here.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var job domain.Job
	var payload, policy, lastError, claimedBy, claimedAt sql.NullString
	err := scan(&job.Seq, &job.ID, &job.IdempotencyKey, &job.ActionID, &job.UserID, &job.SiteURL, &job.ActionType,
		&payload, &policy, &job.Priority, &job.Status, &job.Attempt, &job.MaxAttempts, &job.NotBefore,
		&lastError, &job.EnqueuedAt, &claimedBy, &claimedAt)
	if err != nil {
		return job, err
	}
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if policy.Valid {
		if err := json.Unmarshal([]byte(policy.String), &job.Policy); err != nil {
			return job, err
		}
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if claimedBy.Valid {
		job.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.String
	}
	return job, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
