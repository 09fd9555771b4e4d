package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagelift/internal/domain"
)

func TestHTTPCheckValidate(t *testing.T) {
	h := &HTTPCheckHandler{}

	assert.Error(t, h.Validate(nil))
	assert.Error(t, h.Validate(json.RawMessage(`{not json`)))
	assert.Error(t, h.Validate(json.RawMessage(`{"method":"GET"}`)))
	assert.Error(t, h.Validate(json.RawMessage(`{"target_url":"https://example.com","method":"DELETE"}`)))
	assert.NoError(t, h.Validate(json.RawMessage(`{"target_url":"https://example.com"}`)))
	assert.NoError(t, h.Validate(json.RawMessage(`{"target_url":"https://example.com","method":"HEAD"}`)))
}

func TestHTTPCheckExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	h := &HTTPCheckHandler{Client: srv.Client()}
	payload := fmt.Sprintf(`{"target_url":%q,"expect_status":204}`, srv.URL)
	req := Request{Job: domain.Job{Payload: json.RawMessage(payload)}}

	outcome, err := h.Execute(context.Background(), req)
	require.NoError(t, err)

	var out struct {
		StatusCode int    `json:"status_code"`
		TargetURL  string `json:"target_url"`
	}
	require.NoError(t, json.Unmarshal(outcome, &out))
	assert.Equal(t, http.StatusNoContent, out.StatusCode)
	assert.Equal(t, srv.URL, out.TargetURL)
}

func TestHTTPCheckExecuteStatusMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	h := &HTTPCheckHandler{Client: srv.Client()}
	payload := fmt.Sprintf(`{"target_url":%q,"expect_status":200}`, srv.URL)
	req := Request{Job: domain.Job{Payload: json.RawMessage(payload)}}

	_, err := h.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestNoopHandler(t *testing.T) {
	h := NoopHandler{}
	require.NoError(t, h.Validate(nil))

	outcome, err := h.Execute(context.Background(), Request{Job: domain.Job{ActionType: "noop"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"action_type":"noop"}`, string(outcome))
}
