package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagelift/internal/config"
	"pagelift/internal/db"
	"pagelift/internal/domain"
	"pagelift/internal/lifecycle"
	"pagelift/internal/migrate"
	"pagelift/internal/queue"
	"pagelift/internal/verify"
)

var testOwner = domain.Owner{UserID: "u1", SiteURL: "https://example.com"}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// stubHandler scripts one execution outcome and records whether it ran.
type stubHandler struct {
	validateErr error
	outcome     json.RawMessage
	execErr     error
	waitForCtx  bool
	executed    int
}

func (s *stubHandler) Validate(json.RawMessage) error { return s.validateErr }

func (s *stubHandler) Execute(ctx context.Context, _ Request) (json.RawMessage, error) {
	s.executed++
	if s.waitForCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.outcome, s.execErr
}

type harness struct {
	exec *Executor
	lc   lifecycle.Manager
	q    *queue.Manager
	clk  *clock
	conn *sql.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseMs = 1000
	cfg.Verification.SweepDelayMs = 0

	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := queue.New(conn, cfg)
	q.Now = clk.Now
	lc := lifecycle.New(conn, q, cfg)
	lc.Now = clk.Now
	v := verify.New(conn, cfg)
	v.Now = clk.Now
	exec := New(q, lc, v, cfg)
	exec.Now = clk.Now
	return &harness{exec: exec, lc: lc, q: q, clk: clk, conn: conn}
}

// submit creates an action, queues it and hands it to the queue, returning
// the action and job ids.
func (h *harness) submit(t *testing.T, actionType string, policy *domain.Policy) (string, string) {
	t.Helper()
	ctx := context.Background()
	a, err := h.lc.CreateAction(ctx, lifecycle.CreateOptions{
		Owner:      testOwner,
		ActionType: actionType,
		Title:      "exercise " + actionType,
		Policy:     policy,
	})
	require.NoError(t, err)
	_, err = h.lc.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1")
	require.NoError(t, err)
	jobID, err := h.lc.SubmitForExecution(ctx, a.ID, testOwner, "u1")
	require.NoError(t, err)
	return a.ID, jobID
}

func prodPolicy() *domain.Policy {
	return &domain.Policy{Environment: domain.EnvProduction}
}

func TestRunOnceCompletesAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := &stubHandler{outcome: json.RawMessage(`{"pages_touched":3}`)}
	h.exec.Register("patch", handler)
	actionID, jobID := h.submit(t, "patch", prodPolicy())

	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 1, handler.executed)

	a, err := h.lc.GetAction(ctx, actionID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, domain.VerifyPending, a.VerificationStatus)

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Attempt)
	require.NotNil(t, runs[0].FinishedAt)
	assert.JSONEq(t, `{"pages_touched":3}`, string(runs[0].Outcome))

	job, err := h.q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, job.Status)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	h := newHarness(t)
	ran, err := h.exec.RunOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDryRunShortCircuitsHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := &stubHandler{outcome: json.RawMessage(`{"real":true}`)}
	h.exec.Register("patch", handler)
	actionID, _ := h.submit(t, "patch", nil) // default policy is DRY_RUN

	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 0, handler.executed, "dry run must not reach the handler")

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	var outcome struct {
		DryRun bool `json:"dry_run"`
	}
	require.NoError(t, json.Unmarshal(runs[0].Outcome, &outcome))
	assert.True(t, outcome.DryRun)
}

func TestSkipVerificationLeavesNoSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.Register("patch", &stubHandler{})
	actionID, _ := h.submit(t, "patch", &domain.Policy{
		Environment:      domain.EnvProduction,
		SkipVerification: true,
	})

	_, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)

	a, err := h.lc.GetAction(ctx, actionID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, a.Status)
	assert.Empty(t, a.VerificationStatus)

	var count int
	require.NoError(t, h.conn.QueryRow(`SELECT count(*) FROM agent_verifications WHERE action_id=?`, actionID).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestFailureRequeuesUntilExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := &stubHandler{execErr: errors.New("origin returned 500")}
	h.exec.Register("patch", handler)
	actionID, jobID := h.submit(t, "patch", prodPolicy())

	// Two failures leave budget; the action bounces back to queued each time.
	for i := 0; i < 2; i++ {
		ran, err := h.exec.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ran)

		a, err := h.lc.GetAction(ctx, actionID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionQueued, a.Status)
		assert.Contains(t, a.StatusReason, "retrying")
		h.clk.Advance(time.Minute)
	}

	// Third failure exhausts max_attempts=3.
	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	a, err := h.lc.GetAction(ctx, actionID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, a.Status)
	require.NotNil(t, a.FailedAt)
	assert.Contains(t, a.StatusReason, "origin returned 500")

	job, err := h.q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDead, job.Status)

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestUnknownHandlerFailsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	actionID, jobID := h.submit(t, "mystery", prodPolicy())

	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	a, err := h.lc.GetAction(ctx, actionID, testOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionQueued, a.Status)

	job, err := h.q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, job.LastError, "no handler registered")
}

func TestValidationFailureSkipsExecute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := &stubHandler{validateErr: errors.New("target_url is required")}
	h.exec.Register("patch", handler)
	actionID, _ := h.submit(t, "patch", prodPolicy())

	_, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, handler.executed)

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "target_url is required")
}

func TestTimeoutSurfacesInRunError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := &stubHandler{waitForCtx: true}
	h.exec.Register("patch", handler)
	actionID, _ := h.submit(t, "patch", &domain.Policy{
		Environment: domain.EnvProduction,
		TimeoutMs:   20,
	})

	_, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "deadline exceeded")
}

func TestLostClaimSupersedesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.Register("patch", &stubHandler{})
	actionID, jobID := h.submit(t, "patch", prodPolicy())

	// Another worker already claimed the action.
	_, err := h.lc.ClaimRunning(ctx, actionID, testOwner, "w-other")
	require.NoError(t, err)

	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	job, err := h.q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, job.Status)
	assert.Equal(t, 0, job.Attempt, "a superseded job consumes no attempt")

	runs, err := h.exec.Repo.ListRuns(ctx, actionID)
	require.NoError(t, err)
	assert.Empty(t, runs, "the losing worker records no run")
}

func TestDrainProcessesBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.Register("patch", &stubHandler{})
	for i := 0; i < 3; i++ {
		h.submit(t, "patch", prodPolicy())
	}

	n, err := h.exec.Drain(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ran, err := h.exec.RunOnce(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ran)
}
