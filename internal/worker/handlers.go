package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCheckHandler fetches a page and reports status and timing. The payload
// is {"target_url": "...", "method": "GET", "expect_status": 200}; method and
// expect_status are optional.
type HTTPCheckHandler struct {
	Client *http.Client
}

type httpCheckPayload struct {
	TargetURL    string `json:"target_url"`
	Method       string `json:"method,omitempty"`
	ExpectStatus int    `json:"expect_status,omitempty"`
}

func (h *HTTPCheckHandler) Validate(payload json.RawMessage) error {
	var p httpCheckPayload
	if len(payload) == 0 {
		return fmt.Errorf("payload required")
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if p.TargetURL == "" {
		return fmt.Errorf("target_url required")
	}
	switch p.Method {
	case "", http.MethodGet, http.MethodHead:
	default:
		return fmt.Errorf("unsupported method %s", p.Method)
	}
	return nil
}

func (h *HTTPCheckHandler) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	var p httpCheckPayload
	if err := json.Unmarshal(req.Job.Payload, &p); err != nil {
		return nil, err
	}
	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, p.TargetURL, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if p.ExpectStatus != 0 && resp.StatusCode != p.ExpectStatus {
		return nil, fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, p.ExpectStatus)
	}
	return json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"target_url":  p.TargetURL,
	})
}

// NoopHandler accepts any payload and does nothing. Useful for exercising the
// lifecycle end to end without touching a live site.
type NoopHandler struct{}

func (NoopHandler) Validate(json.RawMessage) error { return nil }

func (NoopHandler) Execute(_ context.Context, req Request) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"ok": true, "action_type": req.Job.ActionType})
}
