// Package pageliftsdk is a minimal typed client for the Pagelift HTTP API.
// It depends only on the standard library so it can be vendored into agent
// integrations without pulling in the server's stack.
package pageliftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Pagelift API server. BearerToken authenticates user
// requests; CronSecret authenticates the /cron endpoints.
type Client struct {
	BaseURL     string
	SiteURL     string
	BearerToken string
	CronSecret  string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, siteURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		SiteURL: siteURL,
		Timeout: 10 * time.Second,
	}
}

// Idea is the API idea model (partial).
type Idea struct {
	ID      string   `json:"id"`
	SiteURL string   `json:"site_url"`
	Title   string   `json:"title"`
	Status  string   `json:"status"`
	Tags    []string `json:"tags,omitempty"`
}

// Action is the API action model (partial).
type Action struct {
	ID                 string `json:"id"`
	SiteURL            string `json:"site_url"`
	IdeaID             string `json:"idea_id,omitempty"`
	ActionType         string `json:"action_type"`
	Title              string `json:"title"`
	Status             string `json:"status"`
	StatusReason       string `json:"status_reason,omitempty"`
	VerificationStatus string `json:"verification_status,omitempty"`
}

// Verification is one verification result.
type Verification struct {
	ID          string `json:"id"`
	ActionID    string `json:"action_id"`
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextCheckAt string `json:"next_check_at,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	PrevState   string `json:"prev_state,omitempty"`
	NewState    string `json:"new_state,omitempty"`
	TriggeredBy string `json:"triggered_by"`
}

// SweepResult summarizes one cron sweep.
type SweepResult struct {
	Scanned  int      `json:"scanned"`
	Verified int      `json:"verified"`
	Recheck  int      `json:"recheck"`
	Failed   int      `json:"failed"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateIdea records a new open idea for the client's site.
func (c *Client) CreateIdea(ctx context.Context, title string, tags []string) (Idea, error) {
	body := map[string]any{
		"site_url": c.SiteURL,
		"title":    title,
		"tags":     tags,
	}
	var resp Idea
	err := c.do(ctx, http.MethodPost, "ideas", body, &resp)
	return resp, err
}

// UpdateIdeaStatus moves an idea to adopted, rejected or done.
func (c *Client) UpdateIdeaStatus(ctx context.Context, ideaID, status string) (Idea, error) {
	var resp Idea
	endpoint := "ideas/" + url.PathEscape(ideaID)
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateAction proposes a new action, optionally adopting an idea.
func (c *Client) CreateAction(ctx context.Context, actionType, title, ideaID string, payload any) (Action, error) {
	body := map[string]any{
		"site_url":    c.SiteURL,
		"action_type": actionType,
		"title":       title,
	}
	if ideaID != "" {
		body["idea_id"] = ideaID
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions", body, &resp)
	return resp, err
}

// QueueAction transitions a proposed action to queued and submits it for
// execution, returning the queue job id.
func (c *Client) QueueAction(ctx context.Context, actionID string) (Action, string, error) {
	body := map[string]any{
		"status":              "queued",
		"queue_for_execution": true,
	}
	var resp struct {
		Action Action `json:"action"`
		JobID  string `json:"job_id"`
	}
	endpoint := "actions/" + url.PathEscape(actionID)
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp.Action, resp.JobID, err
}

// GetAction fetches one action.
func (c *Client) GetAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(actionID), nil, &resp)
	return resp, err
}

// VerifyAction runs the verification probe for an action synchronously.
// runID pins a specific run; empty means the latest.
func (c *Client) VerifyAction(ctx context.Context, actionID, runID string) (Verification, error) {
	endpoint := "verify?action_id=" + url.QueryEscape(actionID)
	if runID != "" {
		endpoint += "&run_id=" + url.QueryEscape(runID)
	}
	var resp struct {
		Verification Verification `json:"verification"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Verification, err
}

// QueueVerification schedules a verification for the server's sweep and
// returns the job id plus the time by which the outcome should be settled.
func (c *Client) QueueVerification(ctx context.Context, actionID, runID string) (string, string, error) {
	body := map[string]any{"action_id": actionID, "site_url": c.SiteURL}
	if runID != "" {
		body["run_id"] = runID
	}
	var resp struct {
		JobID               string `json:"job_id"`
		EstimatedCompletion string `json:"estimated_completion"`
	}
	err := c.do(ctx, http.MethodPost, "verify", body, &resp)
	return resp.JobID, resp.EstimatedCompletion, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep triggers a verification sweep through the cron endpoint. Requires
// CronSecret.
func (c *Client) Sweep(ctx context.Context, force bool) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "cron/sweep", map[string]any{"force": force}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(endpoint, "cron/") && c.CronSecret != "":
		req.Header.Set("X-Cron-Secret", c.CronSecret)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
