package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"pagelift/internal/backlog"
	"pagelift/internal/config"
	"pagelift/internal/db"
	"pagelift/internal/domain"
	"pagelift/internal/fault"
	"pagelift/internal/migrate"
	"pagelift/internal/queue"
)

var testOwner = domain.Owner{UserID: "u1", SiteURL: "https://example.com"}

// stubQueue records enqueue requests and optionally fails them.
type stubQueue struct {
	requests []queue.EnqueueRequest
	err      error
	gen      int
}

func (s *stubQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (string, error) {
	if s.err != nil {
		return "", fault.QueueSubmissionError{ActionID: req.ActionID, Err: s.err}
	}
	s.requests = append(s.requests, req)
	return "job-1", nil
}

func (s *stubQueue) AttemptGeneration(context.Context, string) (int, error) {
	return s.gen, nil
}

func newTestManager(t *testing.T, q Enqueuer) (Manager, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := New(conn, q, config.Default())
	m.Now = func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) }
	return m, conn
}

func mustCreate(t *testing.T, m Manager, opts CreateOptions) domain.Action {
	t.Helper()
	if opts.Owner.UserID == "" {
		opts.Owner = testOwner
	}
	if opts.ActionType == "" {
		opts.ActionType = "noop"
	}
	if opts.Title == "" {
		opts.Title = "fix missing canonical tags"
	}
	a, err := m.CreateAction(context.Background(), opts)
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	return a
}

func TestCreateActionStartsProposed(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	a := mustCreate(t, m, CreateOptions{})

	if a.Status != domain.ActionProposed {
		t.Fatalf("status = %s, want proposed", a.Status)
	}
	if a.QueuedAt != nil || a.StartedAt != nil {
		t.Fatalf("fresh action carries lifecycle timestamps: %+v", a)
	}
}

func TestCreateActionValidation(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()

	var ve fault.ValidationError
	_, err := m.CreateAction(ctx, CreateOptions{Owner: testOwner, Title: "x"})
	if !errors.As(err, &ve) || ve.Field != "action_type" {
		t.Fatalf("want action_type error, got %v", err)
	}
	_, err = m.CreateAction(ctx, CreateOptions{Owner: testOwner, ActionType: "noop", Title: "x", ScheduledFor: "tomorrow"})
	if !errors.As(err, &ve) || ve.Field != "scheduled_for" {
		t.Fatalf("want scheduled_for error, got %v", err)
	}
}

func TestCreateActionAdoptsOpenIdea(t *testing.T) {
	m, conn := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	bl := backlog.New(conn)

	idea, err := bl.CreateIdea(ctx, backlog.CreateOptions{Owner: testOwner, Title: "compress hero images"})
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}

	a := mustCreate(t, m, CreateOptions{IdeaID: idea.ID})
	if a.IdeaID == nil || *a.IdeaID != idea.ID {
		t.Fatalf("action not linked to idea: %+v", a)
	}
	got, err := bl.GetIdea(ctx, idea.ID, testOwner)
	if err != nil {
		t.Fatalf("get idea: %v", err)
	}
	if got.Status != domain.IdeaAdopted {
		t.Fatalf("idea status = %s, want adopted", got.Status)
	}

	// A second action under the same idea is fine.
	mustCreate(t, m, CreateOptions{IdeaID: idea.ID, Title: "compress remaining images"})
}

func TestCreateActionRejectsDecidedIdea(t *testing.T) {
	m, conn := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	bl := backlog.New(conn)

	idea, err := bl.CreateIdea(ctx, backlog.CreateOptions{Owner: testOwner, Title: "remove thin pages"})
	if err != nil {
		t.Fatalf("create idea: %v", err)
	}
	if _, err := bl.UpdateIdeaStatus(ctx, idea.ID, testOwner, domain.IdeaRejected, "u1"); err != nil {
		t.Fatalf("reject idea: %v", err)
	}

	var ve fault.ValidationError
	_, err = m.CreateAction(ctx, CreateOptions{Owner: testOwner, IdeaID: idea.ID, ActionType: "noop", Title: "x"})
	if !errors.As(err, &ve) || ve.Field != "idea_id" {
		t.Fatalf("want idea_id validation error, got %v", err)
	}
}

func TestQueueTransitionResolvesPolicy(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	a := mustCreate(t, m, CreateOptions{})

	queued, err := m.Transition(context.Background(), a.ID, testOwner, domain.ActionQueued, "", "u1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if queued.QueuedAt == nil {
		t.Fatal("queued_at not stamped")
	}
	if queued.Policy == nil {
		t.Fatal("policy not resolved on queue entry")
	}
	if queued.Policy.Environment != "DRY_RUN" || queued.Policy.TimeoutMs != 30000 {
		t.Fatalf("policy defaults not applied: %+v", queued.Policy)
	}
}

func TestApprovalGateBlocksSystemQueueing(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{Policy: &domain.Policy{RequiresApproval: true}})

	var ve fault.ValidationError
	_, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "system")
	if !errors.As(err, &ve) {
		t.Fatalf("want approval validation error, got %v", err)
	}
	// An explicit user transition is the approval.
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("user queue: %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()

	cases := []struct {
		name string
		prep func(t *testing.T) string
		to   string
	}{
		{"proposed to running", func(t *testing.T) string { return mustCreate(t, m, CreateOptions{}).ID }, domain.ActionRunning},
		{"proposed to completed", func(t *testing.T) string { return mustCreate(t, m, CreateOptions{}).ID }, domain.ActionCompleted},
		{"queued to completed", func(t *testing.T) string {
			a := mustCreate(t, m, CreateOptions{})
			if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
				t.Fatalf("queue: %v", err)
			}
			return a.ID
		}, domain.ActionCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.prep(t)
			var ise fault.InvalidStateError
			_, err := m.Transition(ctx, id, testOwner, tc.to, "", "u1")
			if !errors.As(err, &ise) {
				t.Fatalf("want InvalidStateError, got %v", err)
			}
		})
	}
}

func TestCompletedIsTerminal(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{})

	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := m.ClaimRunning(ctx, a.ID, testOwner, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := m.Transition(ctx, a.ID, testOwner, domain.ActionCompleted, "", "w1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}
	for _, to := range []string{domain.ActionQueued, domain.ActionRunning, domain.ActionFailed, domain.ActionCanceled} {
		var ise fault.InvalidStateError
		if _, err := m.Transition(ctx, a.ID, testOwner, to, "", "u1"); !errors.As(err, &ise) {
			t.Fatalf("completed -> %s: want InvalidStateError, got %v", to, err)
		}
	}
}

func TestClaimRunningRace(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{})
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if _, err := m.ClaimRunning(ctx, a.ID, testOwner, "w1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	var ise fault.InvalidStateError
	_, err := m.ClaimRunning(ctx, a.ID, testOwner, "w2")
	if !errors.As(err, &ise) {
		t.Fatalf("second claim: want InvalidStateError, got %v", err)
	}
}

func TestPolicyImmutableOnceRunning(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{})
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := m.ClaimRunning(ctx, a.ID, testOwner, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var ise fault.InvalidStateError
	_, err := m.UpdateAction(ctx, UpdateOptions{
		ID:     a.ID,
		Owner:  testOwner,
		Policy: &domain.Policy{Environment: "PRODUCTION"},
	})
	if !errors.As(err, &ise) {
		t.Fatalf("want InvalidStateError, got %v", err)
	}
}

func TestSubmitForExecution(t *testing.T) {
	stub := &stubQueue{}
	m, _ := newTestManager(t, stub)
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{PriorityScore: 7})
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	jobID, err := m.SubmitForExecution(ctx, a.ID, testOwner, "u1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("job id = %s", jobID)
	}
	if len(stub.requests) != 1 {
		t.Fatalf("enqueue calls = %d", len(stub.requests))
	}
	got := stub.requests[0]
	if got.Priority != 7 || got.ActionID != a.ID || got.Policy.Environment != "DRY_RUN" {
		t.Fatalf("enqueue request = %+v", got)
	}
}

func TestSubmitRequiresQueuedStatus(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	a := mustCreate(t, m, CreateOptions{})

	var ise fault.InvalidStateError
	_, err := m.SubmitForExecution(context.Background(), a.ID, testOwner, "u1")
	if !errors.As(err, &ise) {
		t.Fatalf("want InvalidStateError for proposed action, got %v", err)
	}
}

func TestSubmitFailureRevertsToProposed(t *testing.T) {
	stub := &stubQueue{err: errors.New("broker unavailable")}
	m, _ := newTestManager(t, stub)
	ctx := context.Background()
	a := mustCreate(t, m, CreateOptions{})
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	_, err := m.SubmitForExecution(ctx, a.ID, testOwner, "u1")
	var qe fault.QueueSubmissionError
	if !errors.As(err, &qe) {
		t.Fatalf("want QueueSubmissionError, got %v", err)
	}

	got, err := m.GetAction(ctx, a.ID, testOwner)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ActionProposed {
		t.Fatalf("status after failed submit = %s, want proposed", got.Status)
	}
	if got.StatusReason == "" {
		t.Fatal("status_reason not recorded on revert")
	}
}

func TestScheduledForDelaysSubmission(t *testing.T) {
	stub := &stubQueue{}
	m, _ := newTestManager(t, stub)
	ctx := context.Background()
	later := m.Now().Add(2 * time.Hour).Format(time.RFC3339)
	a := mustCreate(t, m, CreateOptions{ScheduledFor: later})
	if _, err := m.Transition(ctx, a.ID, testOwner, domain.ActionQueued, "", "u1"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if _, err := m.SubmitForExecution(ctx, a.ID, testOwner, "u1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := stub.requests[0].Delay; got != 2*time.Hour {
		t.Fatalf("delay = %v, want 2h", got)
	}
}

func TestOwnerScopeHidesForeignActions(t *testing.T) {
	m, _ := newTestManager(t, &stubQueue{})
	a := mustCreate(t, m, CreateOptions{})

	other := domain.Owner{UserID: "u2", SiteURL: "https://example.com"}
	var nfe fault.NotFoundError
	if _, err := m.GetAction(context.Background(), a.ID, other); !errors.As(err, &nfe) {
		t.Fatalf("want NotFoundError for foreign owner, got %v", err)
	}
}
