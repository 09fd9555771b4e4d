// Package lifecycle owns the action state machine: proposed -> queued ->
// running -> completed|failed, with a compensating queued -> proposed revert
// when queue submission fails. Every transition stamps its timestamp and
// appends an audit event in the same transaction.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"pagelift/internal/config"
	"pagelift/internal/domain"
	"pagelift/internal/events"
	"pagelift/internal/fault"
	"pagelift/internal/queue"
	"pagelift/internal/repo"
)

// Enqueuer is the queue surface the lifecycle depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	AttemptGeneration(ctx context.Context, actionID string) (int, error)
}

type Manager struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  Enqueuer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, q Enqueuer, cfg *config.Config) Manager {
	return Manager{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Queue:  q,
		Config: cfg,
		Now:    time.Now,
	}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

type CreateOptions struct {
	Owner         domain.Owner
	IdeaID        string
	ActionType    string
	Title         string
	Description   string
	Payload       json.RawMessage
	Policy        *domain.Policy
	PriorityScore int
	ScheduledFor  string
	TriggeredBy   string
}

// CreateAction records a new proposed action. When IdeaID is set, the idea is
// atomically marked adopted in the same transaction (only if currently open;
// already-adopted is tolerated).
func (m Manager) CreateAction(ctx context.Context, opts CreateOptions) (domain.Action, error) {
	if opts.Owner.UserID == "" {
		return domain.Action{}, fault.ValidationError{Field: "user_id", Reason: "required"}
	}
	if opts.Owner.SiteURL == "" {
		return domain.Action{}, fault.ValidationError{Field: "site_url", Reason: "required"}
	}
	if opts.ActionType == "" {
		return domain.Action{}, fault.ValidationError{Field: "action_type", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Action{}, fault.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.ScheduledFor != "" {
		if _, err := time.Parse(time.RFC3339, opts.ScheduledFor); err != nil {
			return domain.Action{}, fault.ValidationError{Field: "scheduled_for", Reason: "must be RFC3339"}
		}
	}
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = opts.Owner.UserID
	}
	now := m.now().UTC().Format(time.RFC3339)
	a := domain.Action{
		ID:            uuid.New().String(),
		UserID:        opts.Owner.UserID,
		SiteURL:       opts.Owner.SiteURL,
		ActionType:    opts.ActionType,
		Title:         opts.Title,
		Description:   opts.Description,
		Payload:       opts.Payload,
		Policy:        opts.Policy,
		PriorityScore: opts.PriorityScore,
		Status:        domain.ActionProposed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.ScheduledFor != "" {
		a.ScheduledFor = &opts.ScheduledFor
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	if opts.IdeaID != "" {
		idea, err := m.Repo.GetIdeaTx(ctx, tx, opts.IdeaID, opts.Owner)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Action{}, fault.ValidationError{Field: "idea_id", Reason: "idea not found"}
			}
			return domain.Action{}, err
		}
		switch idea.Status {
		case domain.IdeaOpen:
			idea.Status = domain.IdeaAdopted
			idea.AdoptedAt = &now
			if err := m.Repo.UpdateIdeaStatus(ctx, tx, idea); err != nil {
				return domain.Action{}, err
			}
			if err := m.Events.Append(ctx, tx, events.Record{
				Type:        "idea.adopted",
				UserID:      idea.UserID,
				SiteURL:     idea.SiteURL,
				EntityType:  "idea",
				EntityID:    idea.ID,
				PrevState:   domain.IdeaOpen,
				NewState:    domain.IdeaAdopted,
				TriggeredBy: triggeredBy,
				Metadata:    events.Metadata{"action_id": a.ID},
			}); err != nil {
				return domain.Action{}, err
			}
		case domain.IdeaAdopted:
			// additional action under the same idea
		default:
			return domain.Action{}, fault.ValidationError{Field: "idea_id", Reason: "idea is " + idea.Status}
		}
		a.IdeaID = &opts.IdeaID
	}

	if err := m.Repo.InsertAction(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "action.created",
		UserID:      a.UserID,
		SiteURL:     a.SiteURL,
		EntityType:  "action",
		EntityID:    a.ID,
		NewState:    a.Status,
		TriggeredBy: triggeredBy,
		Metadata:    events.Metadata{"action_type": a.ActionType, "title": a.Title},
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

func ensureActionTransition(from, to string) error {
	ok := false
	switch from {
	case domain.ActionProposed:
		ok = to == domain.ActionQueued || to == domain.ActionCanceled
	case domain.ActionQueued:
		// queued -> proposed is the compensating revert after a failed
		// queue submission.
		ok = to == domain.ActionRunning || to == domain.ActionProposed || to == domain.ActionCanceled
	case domain.ActionRunning:
		// running -> queued is the retry path: a failed attempt with budget
		// remaining re-queues the action for the next claim.
		ok = to == domain.ActionCompleted || to == domain.ActionFailed || to == domain.ActionQueued
	}
	if !ok {
		return fault.InvalidStateError{Entity: "action", From: from, To: to}
	}
	return nil
}

// ResolvePolicy fills policy defaults from config. Called when an action
// enters queued; a queued action always carries a fully resolved policy.
func ResolvePolicy(cfg *config.Config, p *domain.Policy) domain.Policy {
	resolved := domain.Policy{}
	if p != nil {
		resolved = *p
	}
	if resolved.Environment == "" {
		resolved.Environment = cfg.Policy.Environment
	}
	if resolved.TimeoutMs == 0 {
		resolved.TimeoutMs = cfg.Policy.TimeoutMs
	}
	if resolved.MaxPages == 0 {
		resolved.MaxPages = cfg.Policy.MaxPages
	}
	if resolved.MaxPatches == 0 {
		resolved.MaxPatches = cfg.Policy.MaxPatches
	}
	return resolved
}

type UpdateOptions struct {
	ID            string
	Owner         domain.Owner
	Status        string
	Title         *string
	Description   *string
	Payload       json.RawMessage
	Policy        *domain.Policy
	PriorityScore *int
	ScheduledFor  *string
	StatusReason  string
	TriggeredBy   string
}

// UpdateAction merges partial updates and, when Status is set, performs the
// transition. Status, policy and ownership are transition-controlled: policy
// edits are rejected once a run has started, and ownership never changes.
func (m Manager) UpdateAction(ctx context.Context, opts UpdateOptions) (domain.Action, error) {
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = opts.Owner.UserID
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	a, err := m.Repo.GetActionTx(ctx, tx, opts.ID, opts.Owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, fault.NotFoundError{Entity: "action", ID: opts.ID}
		}
		return domain.Action{}, err
	}
	prev := a.Status

	if opts.Title != nil {
		a.Title = *opts.Title
	}
	if opts.Description != nil {
		a.Description = *opts.Description
	}
	if opts.PriorityScore != nil {
		a.PriorityScore = *opts.PriorityScore
	}
	if opts.ScheduledFor != nil {
		if *opts.ScheduledFor == "" {
			a.ScheduledFor = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.ScheduledFor); err != nil {
				return domain.Action{}, fault.ValidationError{Field: "scheduled_for", Reason: "must be RFC3339"}
			}
			a.ScheduledFor = opts.ScheduledFor
		}
	}
	if len(opts.Payload) > 0 {
		if a.Status != domain.ActionProposed && a.Status != domain.ActionQueued {
			return domain.Action{}, fault.InvalidStateError{Entity: "action", From: a.Status, To: a.Status}
		}
		a.Payload = opts.Payload
	}
	if opts.Policy != nil {
		// Policy is immutable once a run starts.
		if a.Status != domain.ActionProposed && a.Status != domain.ActionQueued {
			return domain.Action{}, fault.InvalidStateError{Entity: "action", From: a.Status, To: a.Status}
		}
		a.Policy = opts.Policy
	}
	if opts.StatusReason != "" {
		a.StatusReason = opts.StatusReason
	}

	if opts.Status != "" && opts.Status != a.Status {
		if err := ensureActionTransition(a.Status, opts.Status); err != nil {
			return domain.Action{}, err
		}
		now := m.now().UTC().Format(time.RFC3339)
		switch opts.Status {
		case domain.ActionQueued:
			resolved := ResolvePolicy(m.Config, a.Policy)
			// The approval gate applies to the initial proposed -> queued
			// hop only; retry re-queues were already approved.
			if prev == domain.ActionProposed && resolved.RequiresApproval && (triggeredBy == "system" || triggeredBy == "cron") {
				return domain.Action{}, fault.ValidationError{Field: "status", Reason: "action requires approval before queueing"}
			}
			a.Policy = &resolved
			a.QueuedAt = &now
		case domain.ActionRunning:
			a.StartedAt = &now
		case domain.ActionCompleted:
			a.CompletedAt = &now
		case domain.ActionFailed:
			a.FailedAt = &now
		}
		a.Status = opts.Status
	} else if opts.Status != "" {
		// no-op transition to the current status
		opts.Status = ""
	}

	a.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.Action{}, err
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "action.updated",
		UserID:      a.UserID,
		SiteURL:     a.SiteURL,
		EntityType:  "action",
		EntityID:    a.ID,
		PrevState:   prev,
		NewState:    a.Status,
		TriggeredBy: triggeredBy,
		Metadata:    events.Metadata{"reason": a.StatusReason},
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// Transition performs a bare status transition with no other updates.
func (m Manager) Transition(ctx context.Context, actionID string, owner domain.Owner, target, reason, triggeredBy string) (domain.Action, error) {
	return m.UpdateAction(ctx, UpdateOptions{
		ID:           actionID,
		Owner:        owner,
		Status:       target,
		StatusReason: reason,
		TriggeredBy:  triggeredBy,
	})
}

// ClaimRunning flips queued -> running with a conditional update, protecting
// the at-most-one-run invariant. Exactly one of two racing workers wins; the
// loser gets InvalidStateError and must treat the job as already claimed.
func (m Manager) ClaimRunning(ctx context.Context, actionID string, owner domain.Owner, workerID string) (domain.Action, error) {
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	a, err := m.Repo.GetActionTx(ctx, tx, actionID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Action{}, fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return domain.Action{}, err
	}
	won, err := m.Repo.ClaimActionRunning(ctx, tx, actionID, now)
	if err != nil {
		return domain.Action{}, err
	}
	if !won {
		return domain.Action{}, fault.InvalidStateError{Entity: "action", From: a.Status, To: domain.ActionRunning}
	}
	if err := m.Events.Append(ctx, tx, events.Record{
		Type:        "action.running",
		UserID:      a.UserID,
		SiteURL:     a.SiteURL,
		EntityType:  "action",
		EntityID:    a.ID,
		PrevState:   domain.ActionQueued,
		NewState:    domain.ActionRunning,
		TriggeredBy: workerID,
	}); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	a.Status = domain.ActionRunning
	a.StartedAt = &now
	return a, nil
}

// SubmitForExecution hands an already-queued action to the queue. On queue
// failure the action is reverted queued -> proposed before the error is
// surfaced, so no orphaned queued state remains.
func (m Manager) SubmitForExecution(ctx context.Context, actionID string, owner domain.Owner, triggeredBy string) (string, error) {
	a, err := m.Repo.GetAction(ctx, actionID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return "", err
	}
	if a.Status != domain.ActionQueued {
		return "", fault.InvalidStateError{Entity: "action", From: a.Status, To: domain.ActionRunning}
	}
	gen, err := m.Queue.AttemptGeneration(ctx, actionID)
	if err != nil {
		return "", err
	}
	var delay time.Duration
	if a.ScheduledFor != nil {
		if at, perr := time.Parse(time.RFC3339, *a.ScheduledFor); perr == nil {
			if d := at.Sub(m.now()); d > 0 {
				delay = d
			}
		}
	}
	policy := ResolvePolicy(m.Config, a.Policy)
	jobID, err := m.Queue.Enqueue(ctx, queue.EnqueueRequest{
		ActionID:          a.ID,
		Owner:             owner,
		ActionType:        a.ActionType,
		Payload:           a.Payload,
		Policy:            policy,
		Priority:          a.PriorityScore,
		Delay:             delay,
		AttemptGeneration: gen,
		TriggeredBy:       triggeredBy,
	})
	if err != nil {
		if _, revertErr := m.Transition(ctx, actionID, owner, domain.ActionProposed, "queue submission failed: "+err.Error(), triggeredBy); revertErr != nil {
			return "", errors.Join(err, revertErr)
		}
		var qe fault.QueueSubmissionError
		if errors.As(err, &qe) {
			return "", err
		}
		return "", fault.QueueSubmissionError{ActionID: actionID, Err: err}
	}
	return jobID, nil
}

func (m Manager) GetAction(ctx context.Context, actionID string, owner domain.Owner) (domain.Action, error) {
	a, err := m.Repo.GetAction(ctx, actionID, owner)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Action{}, fault.NotFoundError{Entity: "action", ID: actionID}
	}
	return a, err
}

func (m Manager) ListActions(ctx context.Context, f repo.ActionFilters) ([]domain.Action, error) {
	return m.Repo.ListActions(ctx, f)
}
