package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pagelift/internal/domain"
)

type CreateIdeaRequest struct {
	SiteURL    string          `json:"site_url" format:"uri"`
	Title      string          `json:"title"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	ICEScore   *int            `json:"ice_score,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

type UpdateIdeaRequest struct {
	Status string `json:"status" enum:"adopted,rejected,done"`
}

type CreateActionRequest struct {
	SiteURL       string          `json:"site_url" format:"uri"`
	IdeaID        string          `json:"idea_id,omitempty"`
	ActionType    string          `json:"action_type"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Policy        *domain.Policy  `json:"policy,omitempty"`
	PriorityScore int             `json:"priority_score,omitempty"`
	ScheduledFor  string          `json:"scheduled_for,omitempty" format:"date-time"`
}

type UpdateActionRequest struct {
	Status            string          `json:"status,omitempty" enum:",queued,running,completed,failed,proposed,canceled"`
	Title             *string         `json:"title,omitempty"`
	Description       *string         `json:"description,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Policy            *domain.Policy  `json:"policy,omitempty"`
	PriorityScore     *int            `json:"priority_score,omitempty"`
	ScheduledFor      *string         `json:"scheduled_for,omitempty" format:"date-time"`
	StatusReason      string          `json:"status_reason,omitempty"`
	QueueForExecution bool            `json:"queue_for_execution,omitempty"`
}

// UpdateActionResponse carries the action plus, when the update queued it for
// execution, the job id the queue assigned.
type UpdateActionResponse struct {
	Action domain.Action `json:"action"`
	JobID  string        `json:"job_id,omitempty"`
}

// VerifyRequest queues a verification for an action, optionally pinned to a
// specific run (the latest run otherwise).
type VerifyRequest struct {
	ActionID string `json:"action_id"`
	RunID    string `json:"run_id,omitempty"`
	SiteURL  string `json:"site_url,omitempty"`
}

// VerifyQueuedResponse acknowledges a queued verification. JobID names the
// verification record the next sweep will process.
type VerifyQueuedResponse struct {
	JobID               string `json:"job_id"`
	Status              string `json:"status"`
	EstimatedCompletion string `json:"estimated_completion"`
}

// VerificationLookupResponse carries one synchronous result when an action
// was named, or a recent-history listing otherwise.
type VerificationLookupResponse struct {
	Verification *domain.VerificationResult  `json:"verification,omitempty"`
	Items        []domain.VerificationResult `json:"items,omitempty"`
}

type SweepRequest struct {
	SiteURL string `json:"site_url,omitempty"`
	Force   bool   `json:"force,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type WorkRequest struct {
	MaxJobs int `json:"max_jobs,omitempty"`
}

type WorkResponse struct {
	Processed int `json:"processed"`
}

type paginatedIdeas struct {
	Items      []domain.Idea `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedActions struct {
	Items      []domain.Action `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func parseEventCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	return strconv.ParseInt(cursor, 10, 64)
}
