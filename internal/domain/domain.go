package domain

import "encoding/json"

// Owner scopes every idea and action to a (user, site) pair. Runs belong to
// their action; verifications belong to the (action, run) pair.
type Owner struct {
	UserID  string `json:"user_id"`
	SiteURL string `json:"site_url" format:"uri"`
}

type Idea struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	SiteURL    string          `json:"site_url"`
	Title      string          `json:"title"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	ICEScore   *int            `json:"ice_score,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Status     string          `json:"status" enum:"open,adopted,rejected,done"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	AdoptedAt  *string         `json:"adopted_at,omitempty" format:"date-time"`
	RejectedAt *string         `json:"rejected_at,omitempty" format:"date-time"`
	DoneAt     *string         `json:"done_at,omitempty" format:"date-time"`
}

// Policy is the execution configuration resolved at queue time. It is
// immutable once a run has started.
type Policy struct {
	Environment      string `json:"environment" enum:"DRY_RUN,PRODUCTION"`
	MaxPages         int    `json:"max_pages,omitempty"`
	MaxPatches       int    `json:"max_patches,omitempty"`
	TimeoutMs        int    `json:"timeout_ms,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	SkipVerification bool   `json:"skip_verification,omitempty"`
}

type Action struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	SiteURL            string          `json:"site_url"`
	IdeaID             *string         `json:"idea_id,omitempty"`
	ActionType         string          `json:"action_type"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Policy             *Policy         `json:"policy,omitempty"`
	PriorityScore      int             `json:"priority_score"`
	ScheduledFor       *string         `json:"scheduled_for,omitempty" format:"date-time"`
	Status             string          `json:"status" enum:"proposed,queued,running,completed,failed,canceled"`
	StatusReason       string          `json:"status_reason,omitempty"`
	VerificationStatus string          `json:"verification_status,omitempty" enum:"pending,verified,needs_recheck,failed"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
	QueuedAt           *string         `json:"queued_at,omitempty" format:"date-time"`
	StartedAt          *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string         `json:"completed_at,omitempty" format:"date-time"`
	FailedAt           *string         `json:"failed_at,omitempty" format:"date-time"`
}

// Run is one execution attempt of an action. At most one run per action may
// be non-terminal (FinishedAt == nil) at any time.
type Run struct {
	ID             string          `json:"id"`
	ActionID       string          `json:"action_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Attempt        int             `json:"attempt"`
	StartedAt      string          `json:"started_at" format:"date-time"`
	FinishedAt     *string         `json:"finished_at,omitempty" format:"date-time"`
	Outcome        json.RawMessage `json:"outcome,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// CheckDetail records one probe check inside a verification result.
type CheckDetail struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type VerificationResult struct {
	ID          string        `json:"id"`
	ActionID    string        `json:"action_id"`
	RunID       string        `json:"run_id"`
	Status      string        `json:"status" enum:"pending,verified,needs_recheck,failed"`
	Checks      []CheckDetail `json:"checks,omitempty"`
	Attempts    int           `json:"attempts"`
	NextCheckAt *string       `json:"next_check_at,omitempty" format:"date-time"`
	ClaimedAt   *string       `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

// Event is an append-only audit record. Rows are never mutated or deleted.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	UserID      string `json:"user_id,omitempty"`
	SiteURL     string `json:"site_url,omitempty"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	PrevState   string `json:"prev_state,omitempty"`
	NewState    string `json:"new_state,omitempty"`
	TriggeredBy string `json:"triggered_by"`
	Metadata    string `json:"metadata_json,omitempty"`
}

// Job is a queued unit of work handed to the executor. Payload and policy are
// snapshots taken at enqueue time.
type Job struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActionID       string          `json:"action_id"`
	UserID         string          `json:"user_id"`
	SiteURL        string          `json:"site_url"`
	ActionType     string          `json:"action_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Policy         Policy          `json:"policy"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status" enum:"ready,claimed,done,dead"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	NotBefore      string          `json:"not_before" format:"date-time"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     string          `json:"enqueued_at" format:"date-time"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimedAt      *string         `json:"claimed_at,omitempty" format:"date-time"`
}

// Idea statuses.
const (
	IdeaOpen     = "open"
	IdeaAdopted  = "adopted"
	IdeaRejected = "rejected"
	IdeaDone     = "done"
)

// Action statuses.
const (
	ActionProposed  = "proposed"
	ActionQueued    = "queued"
	ActionRunning   = "running"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
	ActionCanceled  = "canceled"
)

// Verification statuses.
const (
	VerifyPending      = "pending"
	VerifyVerified     = "verified"
	VerifyNeedsRecheck = "needs_recheck"
	VerifyFailed       = "failed"
)

// Job statuses.
const (
	JobReady   = "ready"
	JobClaimed = "claimed"
	JobDone    = "done"
	JobDead    = "dead"
)

// Policy environments.
const (
	EnvDryRun     = "DRY_RUN"
	EnvProduction = "PRODUCTION"
)
