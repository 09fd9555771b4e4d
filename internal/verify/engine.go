// Package verify confirms that completed actions had their intended effect.
// Each (action, run) pair gets at most one verification record; rechecks are
// scheduled with a widening backoff and capped, so no action is probed
// forever.
package verify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagelift/internal/config"
	"pagelift/internal/domain"
	"pagelift/internal/events"
	"pagelift/internal/fault"
	"pagelift/internal/repo"
)

// Probe inspects the live site and reports whether the action's effect is
// observable. A returned error means the probe itself could not run; a probe
// that ran but found the effect absent returns failing checks with a nil
// error.
type Probe func(ctx context.Context, action domain.Action, run domain.Run) ([]domain.CheckDetail, error)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Client *http.Client

	mu     sync.RWMutex
	probes map[string]Probe
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Client: &http.Client{},
		probes: map[string]Probe{},
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Register installs a probe for an action type, replacing any previous one.
func (e *Engine) Register(actionType string, p Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes[actionType] = p
}

func (e *Engine) probeFor(a domain.Action) Probe {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.probes[a.ActionType]; ok {
		return p
	}
	if a.Policy != nil && a.Policy.Environment == domain.EnvDryRun {
		return DryRunProbe
	}
	return e.httpReachabilityProbe
}

// Schedule records a pending verification for a finished run. The first sweep
// after scheduling probes it, so next_check_at starts at now. Scheduling the
// same (action, run) twice returns the existing record.
func (e *Engine) Schedule(ctx context.Context, actionID, runID, triggeredBy string) (domain.VerificationResult, error) {
	if existing, err := e.Repo.GetVerification(ctx, actionID, runID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.VerificationResult{}, err
	}

	a, err := e.Repo.GetActionAny(ctx, actionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationResult{}, fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return domain.VerificationResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	v := domain.VerificationResult{
		ID:          uuid.New().String(),
		ActionID:    actionID,
		RunID:       runID,
		Status:      domain.VerifyPending,
		NextCheckAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertVerification(ctx, tx, v); err != nil {
		// Lost a race to a concurrent Schedule for the same pair.
		if strings.Contains(err.Error(), "UNIQUE") {
			tx.Rollback()
			return e.Repo.GetVerification(ctx, actionID, runID)
		}
		return domain.VerificationResult{}, err
	}
	a.VerificationStatus = domain.VerifyPending
	a.UpdatedAt = now
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		return domain.VerificationResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:        "verification.scheduled",
		UserID:      a.UserID,
		SiteURL:     a.SiteURL,
		EntityType:  "verification",
		EntityID:    v.ID,
		NewState:    domain.VerifyPending,
		TriggeredBy: triggeredBy,
		Metadata:    events.Metadata{"action_id": actionID, "run_id": runID},
	}); err != nil {
		return domain.VerificationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerificationResult{}, err
	}
	return v, nil
}

// VerifyAction probes an action synchronously, outside the sweep schedule.
// The action must belong to the owner; runID pins a specific run, empty means
// the latest. The run's verification is created on demand if the action
// completed with verification skipped.
func (e *Engine) VerifyAction(ctx context.Context, actionID, runID string, owner domain.Owner, triggeredBy string) (domain.VerificationResult, error) {
	a, err := e.Repo.GetAction(ctx, actionID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationResult{}, fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return domain.VerificationResult{}, err
	}
	run, err := e.resolveRun(ctx, a, runID)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	v, err := e.Repo.GetVerification(ctx, actionID, run.ID)
	if errors.Is(err, repo.ErrNotFound) {
		v, err = e.Schedule(ctx, actionID, run.ID, triggeredBy)
	}
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if v.Status == domain.VerifyVerified || v.Status == domain.VerifyFailed {
		// Terminal; re-probing would mutate a settled outcome.
		return v, nil
	}
	processed, out, err := e.claimAndProcess(ctx, v.ID, triggeredBy)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if !processed {
		// A sweep holds it; report the current state instead of probing twice.
		return e.Repo.GetVerificationByID(ctx, v.ID)
	}
	return out, nil
}

// QueueVerification schedules a verification for the sweep to pick up and
// estimates when its outcome should be settled. The verification record id
// doubles as the job id; queueing an already-settled pair reports its
// completion time.
func (e *Engine) QueueVerification(ctx context.Context, actionID, runID string, owner domain.Owner, triggeredBy string) (domain.VerificationResult, string, error) {
	a, err := e.Repo.GetAction(ctx, actionID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationResult{}, "", fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return domain.VerificationResult{}, "", err
	}
	run, err := e.resolveRun(ctx, a, runID)
	if err != nil {
		return domain.VerificationResult{}, "", err
	}
	v, err := e.Schedule(ctx, actionID, run.ID, triggeredBy)
	if err != nil {
		return domain.VerificationResult{}, "", err
	}
	return v, e.estimateCompletion(v), nil
}

// estimateCompletion is when a queued verification's outcome should settle:
// the next probe time plus one recheck window.
func (e *Engine) estimateCompletion(v domain.VerificationResult) string {
	if v.CompletedAt != nil {
		return *v.CompletedAt
	}
	next := e.now().UTC()
	if v.NextCheckAt != nil {
		if t, err := time.Parse(time.RFC3339, *v.NextCheckAt); err == nil {
			next = t
		}
	}
	return next.Add(e.Config.VerifyBackoff(v.Attempts + 1)).UTC().Format(time.RFC3339)
}

// resolveRun picks the run a verification targets: the named run when runID
// is set, the newest run otherwise. Run ids under another action look absent
// rather than forbidden.
func (e *Engine) resolveRun(ctx context.Context, a domain.Action, runID string) (domain.Run, error) {
	if runID != "" {
		run, err := e.Repo.GetRun(ctx, runID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, fault.NotFoundError{Entity: "run", ID: runID}
		}
		if err != nil {
			return domain.Run{}, err
		}
		if run.ActionID != a.ID {
			return domain.Run{}, fault.NotFoundError{Entity: "run", ID: runID}
		}
		return run, nil
	}
	runs, err := e.Repo.ListRuns(ctx, a.ID)
	if err != nil {
		return domain.Run{}, err
	}
	if len(runs) == 0 {
		return domain.Run{}, fault.InvalidStateError{Entity: "action", From: a.Status, To: "verifying"}
	}
	return runs[0], nil
}

// claimAndProcess claims one verification and probes it. The row is re-read
// after winning the claim so a probe that landed since the caller's snapshot
// cannot have its attempt rolled back. processed is false when another holder
// has the claim.
func (e *Engine) claimAndProcess(ctx context.Context, id, triggeredBy string) (processed bool, _ domain.VerificationResult, _ error) {
	claimed, err := e.Repo.ClaimVerification(ctx, id, e.now().UTC().Format(time.RFC3339))
	if err != nil || !claimed {
		return false, domain.VerificationResult{}, err
	}
	cur, err := e.Repo.GetVerificationByID(ctx, id)
	if err != nil {
		_ = e.Repo.ReleaseVerification(context.WithoutCancel(ctx), id, e.now().UTC().Format(time.RFC3339))
		return false, domain.VerificationResult{}, err
	}
	out, err := e.processClaimed(ctx, cur, triggeredBy)
	return true, out, err
}

// processClaimed probes one claimed verification, records the outcome and
// releases the claim. Callers must have won ClaimVerification first.
func (e *Engine) processClaimed(ctx context.Context, v domain.VerificationResult, triggeredBy string) (domain.VerificationResult, error) {
	release := func() {
		_ = e.Repo.ReleaseVerification(context.WithoutCancel(ctx), v.ID, e.now().UTC().Format(time.RFC3339))
	}

	a, err := e.Repo.GetActionAny(ctx, v.ActionID)
	if err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	run, err := e.Repo.GetRun(ctx, v.RunID)
	if err != nil {
		release()
		return domain.VerificationResult{}, err
	}

	timeout := time.Duration(e.Config.Verification.ProbeTimeoutMs) * time.Millisecond
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	checks, probeErr := e.probeFor(a)(probeCtx, a, run)
	cancel()
	if probeErr != nil {
		probeErr = fault.VerificationProbeError{ActionType: a.ActionType, Err: probeErr}
		checks = append(checks, domain.CheckDetail{Name: "probe", Passed: false, Message: probeErr.Error()})
	}

	passed := probeErr == nil && len(checks) > 0
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	prev := v.Status
	v.Attempts++
	v.Checks = checks
	v.ClaimedAt = nil
	v.UpdatedAt = nowStr

	switch {
	case passed:
		v.Status = domain.VerifyVerified
		v.NextCheckAt = nil
		v.CompletedAt = &nowStr
	case v.Attempts >= e.Config.Verification.MaxAttempts:
		// Recheck budget exhausted; the effect never became observable.
		v.Status = domain.VerifyFailed
		v.NextCheckAt = nil
		v.CompletedAt = &nowStr
	default:
		v.Status = domain.VerifyNeedsRecheck
		next := now.Add(e.Config.VerifyBackoff(v.Attempts)).Format(time.RFC3339)
		v.NextCheckAt = &next
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateVerification(ctx, tx, v); err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	a.VerificationStatus = v.Status
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateAction(ctx, tx, a); err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	meta := events.Metadata{"action_id": v.ActionID, "run_id": v.RunID, "attempts": v.Attempts}
	if v.NextCheckAt != nil {
		meta["next_check_at"] = *v.NextCheckAt
	}
	if probeErr != nil {
		meta["probe_error"] = probeErr.Error()
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:        "verification." + v.Status,
		UserID:      a.UserID,
		SiteURL:     a.SiteURL,
		EntityType:  "verification",
		EntityID:    v.ID,
		PrevState:   prev,
		NewState:    v.Status,
		TriggeredBy: triggeredBy,
		Metadata:    meta,
	}); err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		release()
		return domain.VerificationResult{}, err
	}
	return v, nil
}

// ListDue returns verifications whose recheck time has arrived.
func (e *Engine) ListDue(ctx context.Context, owner domain.Owner, force bool, limit int) ([]domain.VerificationResult, error) {
	return e.Repo.ListDueVerifications(ctx, repo.VerificationFilters{
		Owner: owner,
		DueBy: e.now().UTC().Format(time.RFC3339),
		Force: force,
		Limit: limit,
	})
}

type SweepOptions struct {
	Owner       domain.Owner
	Force       bool
	Limit       int
	TriggeredBy string
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Verified int      `json:"verified"`
	Recheck  int      `json:"recheck"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Sweep probes every due verification. Items are claimed one at a time so an
// overlapping sweep processes a disjoint set, and one item's failure never
// aborts the rest of the pass.
func (e *Engine) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "cron"
	}
	due, err := e.ListDue(ctx, opts.Owner, opts.Force, opts.Limit)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(due)}
	delay := time.Duration(e.Config.Verification.SweepDelayMs) * time.Millisecond
	for i, v := range due {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(delay):
			}
		}
		processed, out, err := e.claimAndProcess(ctx, v.ID, opts.TriggeredBy)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", v.ID, err))
			continue
		}
		if !processed {
			res.Skipped++
			continue
		}
		switch out.Status {
		case domain.VerifyVerified:
			res.Verified++
		case domain.VerifyNeedsRecheck:
			res.Recheck++
		case domain.VerifyFailed:
			res.Failed++
		}
	}
	return res, nil
}

// GetVerification reads the stored result for an action without probing.
// runID pins a specific run, empty means the latest.
func (e *Engine) GetVerification(ctx context.Context, actionID, runID string, owner domain.Owner) (domain.VerificationResult, error) {
	a, err := e.Repo.GetAction(ctx, actionID, owner)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.VerificationResult{}, fault.NotFoundError{Entity: "action", ID: actionID}
		}
		return domain.VerificationResult{}, err
	}
	run, err := e.resolveRun(ctx, a, runID)
	if err != nil {
		var ise fault.InvalidStateError
		if errors.As(err, &ise) {
			// No runs means nothing was ever verified.
			return domain.VerificationResult{}, fault.NotFoundError{Entity: "verification", ID: actionID}
		}
		return domain.VerificationResult{}, err
	}
	v, err := e.Repo.GetVerification(ctx, actionID, run.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.VerificationResult{}, fault.NotFoundError{Entity: "verification", ID: actionID}
	}
	return v, err
}

func (e *Engine) ListRecent(ctx context.Context, owner domain.Owner, limit int) ([]domain.VerificationResult, error) {
	return e.Repo.ListRecentVerifications(ctx, owner, limit)
}

// probeTarget picks the URL a probe should fetch: payload target_url when
// present, the action's site otherwise.
func probeTarget(a domain.Action) (string, error) {
	if len(a.Payload) > 0 {
		var body struct {
			TargetURL string `json:"target_url"`
		}
		if err := json.Unmarshal(a.Payload, &body); err == nil && body.TargetURL != "" {
			return body.TargetURL, nil
		}
	}
	if a.SiteURL == "" {
		return "", errors.New("no probe target")
	}
	return a.SiteURL, nil
}

// httpReachabilityProbe is the fallback probe: fetch the target page and,
// when the payload names one, require an expected substring in the body.
func (e *Engine) httpReachabilityProbe(ctx context.Context, a domain.Action, _ domain.Run) ([]domain.CheckDetail, error) {
	target, err := probeTarget(a)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	checks := []domain.CheckDetail{{
		Name:    "http_status",
		Passed:  resp.StatusCode >= 200 && resp.StatusCode < 400,
		Message: resp.Status,
	}}

	var expect struct {
		ExpectContains string `json:"expect_contains"`
	}
	if len(a.Payload) > 0 {
		_ = json.Unmarshal(a.Payload, &expect)
	}
	if expect.ExpectContains != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return checks, err
		}
		found := strings.Contains(string(body), expect.ExpectContains)
		msg := "found"
		if !found {
			msg = "not found: " + expect.ExpectContains
		}
		checks = append(checks, domain.CheckDetail{Name: "content_contains", Passed: found, Message: msg})
	}
	return checks, nil
}

// DryRunProbe always verifies. Installed for actions executed in DRY_RUN,
// where there is no live effect to observe.
func DryRunProbe(_ context.Context, a domain.Action, _ domain.Run) ([]domain.CheckDetail, error) {
	return []domain.CheckDetail{{
		Name:    "dry_run",
		Passed:  true,
		Message: "no live changes to verify for " + a.ActionType,
	}}, nil
}
