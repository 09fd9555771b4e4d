// Package fault defines the error taxonomy shared by the backlog, lifecycle,
// queue, worker and verification components. The HTTP layer maps these to
// status codes; everything else matches on them with errors.As/errors.Is.
package fault

import "fmt"

// ValidationError is malformed input: a missing required field or an unknown
// target status. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// NotFoundError covers both a missing entity and an ownership mismatch. The
// two are deliberately indistinguishable so one tenant cannot probe for the
// existence of another tenant's records.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidStateError is an illegal state-machine transition attempt.
type InvalidStateError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// QueueSubmissionError is a transient failure enqueuing a job. The lifecycle
// manager compensates by reverting queued -> proposed; the caller may retry.
type QueueSubmissionError struct {
	ActionID string
	Err      error
}

func (e QueueSubmissionError) Error() string {
	return fmt.Sprintf("queue submission for action %s: %v", e.ActionID, e.Err)
}

func (e QueueSubmissionError) Unwrap() error { return e.Err }

// HandlerExecutionError is a failed or timed-out action handler invocation.
// It is recorded on the run and retried by queue backoff up to the attempt
// cap, never indefinitely.
type HandlerExecutionError struct {
	ActionType string
	Timeout    bool
	Err        error
}

func (e HandlerExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("handler %s timed out: %v", e.ActionType, e.Err)
	}
	return fmt.Sprintf("handler %s failed: %v", e.ActionType, e.Err)
}

func (e HandlerExecutionError) Unwrap() error { return e.Err }

// VerificationProbeError means a probe failed to execute at all (network and
// the like), distinct from a probe that ran and found the effect absent.
// Treated as needs_recheck since it may be transient.
type VerificationProbeError struct {
	ActionType string
	Err        error
}

func (e VerificationProbeError) Error() string {
	return fmt.Sprintf("verification probe %s: %v", e.ActionType, e.Err)
}

func (e VerificationProbeError) Unwrap() error { return e.Err }
