// Package worker pulls jobs off the queue and drives them through the action
// lifecycle: claim the action, record a run, invoke the handler under the
// policy timeout, then settle the outcome and schedule verification.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagelift/internal/config"
	"pagelift/internal/domain"
	"pagelift/internal/fault"
	"pagelift/internal/lifecycle"
	"pagelift/internal/queue"
	"pagelift/internal/repo"
	"pagelift/internal/verify"
)

// Request is everything a handler sees. Payload and Policy come from the job
// snapshot, not from the live action row.
type Request struct {
	Action domain.Action
	Job    domain.Job
	Run    domain.Run
}

// Handler executes one action type. Validate runs before any state is
// touched; a validation error fails the attempt without calling Execute.
type Handler interface {
	Validate(payload json.RawMessage) error
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

type Executor struct {
	Queue     *queue.Manager
	Lifecycle lifecycle.Manager
	Verify    *verify.Engine
	Repo      repo.Repo
	Config    *config.Config
	Now       func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(q *queue.Manager, lc lifecycle.Manager, v *verify.Engine, cfg *config.Config) *Executor {
	e := &Executor{
		Queue:     q,
		Lifecycle: lc,
		Verify:    v,
		Repo:      lc.Repo,
		Config:    cfg,
		Now:       time.Now,
		handlers:  map[string]Handler{},
	}
	e.Register("http_check", &HTTPCheckHandler{})
	e.Register("noop", NoopHandler{})
	return e
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Register installs a handler for an action type.
func (e *Executor) Register(actionType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[actionType] = h
}

func (e *Executor) handlerFor(actionType string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[actionType]
	return h, ok
}

// RunOnce processes at most one job. The bool reports whether a job was
// found; queue.ErrEmpty is absorbed.
func (e *Executor) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := e.Queue.Dequeue(ctx, workerID)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, e.process(ctx, workerID, job)
}

// Drain processes jobs until the queue is empty, returning how many ran.
// Per-job errors stop the drain so a broken handler does not spin.
func (e *Executor) Drain(ctx context.Context, workerID string) (int, error) {
	n := 0
	for {
		ran, err := e.RunOnce(ctx, workerID)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

// Start runs a polling worker pool until the context is canceled. Pool size
// comes from queue.workers in config.
func (e *Executor) Start(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	var wg sync.WaitGroup
	for i := 0; i < e.Config.Queue.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			for {
				ran, err := e.RunOnce(ctx, workerID)
				if ctx.Err() != nil {
					return
				}
				if ran && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(pollInterval):
				}
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) process(ctx context.Context, workerID string, job domain.Job) error {
	owner := domain.Owner{UserID: job.UserID, SiteURL: job.SiteURL}

	action, err := e.Lifecycle.ClaimRunning(ctx, job.ActionID, owner, workerID)
	if err != nil {
		var ise fault.InvalidStateError
		if errors.As(err, &ise) {
			// Another claim already executed this action; retire the job
			// without consuming an attempt.
			return e.Queue.Supersede(ctx, job)
		}
		var nfe fault.NotFoundError
		if errors.As(err, &nfe) {
			_, ferr := e.Queue.Fail(ctx, job, err)
			return ferr
		}
		return err
	}

	run, err := e.startRun(ctx, job)
	if err != nil {
		// Could not record the run; put the action back and retry later.
		_, _ = e.Lifecycle.Transition(ctx, job.ActionID, owner, domain.ActionQueued, "run bookkeeping failed", workerID)
		_, ferr := e.Queue.Fail(ctx, job, err)
		return ferr
	}

	outcome, execErr := e.execute(ctx, action, job, run)
	finished := e.now().UTC().Format(time.RFC3339)

	if execErr == nil {
		if err := e.finishRun(ctx, run.ID, finished, outcome, ""); err != nil {
			return err
		}
		if _, err := e.Lifecycle.Transition(ctx, job.ActionID, owner, domain.ActionCompleted, "", workerID); err != nil {
			return err
		}
		if err := e.Queue.Complete(ctx, job); err != nil {
			return err
		}
		if job.Policy.SkipVerification {
			return nil
		}
		_, err := e.Verify.Schedule(ctx, job.ActionID, run.ID, workerID)
		return err
	}

	if err := e.finishRun(ctx, run.ID, finished, outcome, execErr.Error()); err != nil {
		return err
	}
	dead, failErr := e.Queue.Fail(ctx, job, execErr)
	if failErr != nil {
		return failErr
	}
	if dead {
		_, err := e.Lifecycle.Transition(ctx, job.ActionID, owner, domain.ActionFailed, execErr.Error(), workerID)
		return err
	}
	_, err = e.Lifecycle.Transition(ctx, job.ActionID, owner, domain.ActionQueued, "retrying: "+execErr.Error(), workerID)
	return err
}

// startRun records the run row. The partial unique index on agent_runs backs
// up the claim: a second concurrent run for the action cannot be inserted.
func (e *Executor) startRun(ctx context.Context, job domain.Job) (domain.Run, error) {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	prior, err := e.Repo.CountRuns(ctx, tx, job.ActionID)
	if err != nil {
		return domain.Run{}, err
	}
	run := domain.Run{
		ID:             uuid.New().String(),
		ActionID:       job.ActionID,
		IdempotencyKey: job.IdempotencyKey,
		Attempt:        prior + 1,
		StartedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, err
	}
	return run, tx.Commit()
}

func (e *Executor) finishRun(ctx context.Context, runID, finishedAt string, outcome json.RawMessage, runErr string) error {
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.FinishRun(ctx, tx, runID, finishedAt, outcome, runErr); err != nil {
		return err
	}
	return tx.Commit()
}

// execute validates the payload and invokes the handler under the policy
// timeout. DRY_RUN short-circuits after validation with a simulated outcome.
func (e *Executor) execute(ctx context.Context, action domain.Action, job domain.Job, run domain.Run) (json.RawMessage, error) {
	h, ok := e.handlerFor(job.ActionType)
	if !ok {
		return nil, fault.HandlerExecutionError{ActionType: job.ActionType, Err: errors.New("no handler registered")}
	}
	if err := h.Validate(job.Payload); err != nil {
		return nil, fault.HandlerExecutionError{ActionType: job.ActionType, Err: err}
	}
	if job.Policy.Environment == domain.EnvDryRun {
		outcome, err := json.Marshal(map[string]any{
			"dry_run":     true,
			"action_type": job.ActionType,
			"attempt":     run.Attempt,
		})
		return outcome, err
	}

	timeoutMs := job.Policy.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.Config.Policy.TimeoutMs
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	outcome, err := h.Execute(execCtx, Request{Action: action, Job: job, Run: run})
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded)
		return outcome, fault.HandlerExecutionError{ActionType: job.ActionType, Timeout: timedOut, Err: err}
	}
	return outcome, nil
}
