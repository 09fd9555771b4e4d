// Package server exposes the HTTP API. Handlers are thin: validate input,
// resolve the owner scope, call the corresponding component, and map the
// fault taxonomy onto the error envelope.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pagelift/internal/backlog"
	"pagelift/internal/domain"
	"pagelift/internal/fault"
	"pagelift/internal/lifecycle"
	"pagelift/internal/queue"
	"pagelift/internal/repo"
	"pagelift/internal/verify"
	"pagelift/internal/worker"
)

// Config for the HTTP API handler.
type Config struct {
	Backlog   backlog.Backlog
	Lifecycle lifecycle.Manager
	Queue     *queue.Manager
	Verify    *verify.Engine
	Executor  *worker.Executor
	Repo      repo.Repo
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"invalid action transition proposed -> running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pagelift API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Pagelift API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIdeas(group, cfg)
	registerActions(group, cfg)
	registerVerification(group, cfg)
	registerCron(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve fault.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var nfe fault.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ise fault.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity, "from": ise.From, "to": ise.To,
		})
	}
	var qe fault.QueueSubmissionError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusInternalServerError, "queue_error", err.Error(), map[string]any{"action_id": qe.ActionID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// ownerFromContext resolves the tenant scope: user from the principal,
// site from the request.
func ownerFromContext(ctx context.Context, siteURL string) (domain.Owner, huma.StatusError) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.Owner{}, authErr
	}
	return domain.Owner{UserID: userID, SiteURL: siteURL}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["cronAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Cron-Secret",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	cronPrefix := path.Join(basePath, "cron") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			switch {
			case route == healthPath:
				op.Security = []map[string][]string{}
			case strings.HasPrefix(route, cronPrefix):
				op.Security = []map[string][]string{{"cronAuth": {}}}
			default:
				op.Security = security
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pagelift API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIdeas(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-idea",
		Method:        http.MethodPost,
		Path:          "/ideas",
		Summary:       "Create idea",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIdeaRequest `json:"body"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		owner, authErr := ownerFromContext(ctx, input.Body.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		idea, err := cfg.Backlog.CreateIdea(ctx, backlog.CreateOptions{
			Owner:      owner,
			Title:      input.Body.Title,
			Hypothesis: input.Body.Hypothesis,
			Evidence:   input.Body.Evidence,
			ICEScore:   input.Body.ICEScore,
			Tags:       input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ideas",
		Method:      http.MethodGet,
		Path:        "/ideas",
		Summary:     "List ideas",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SiteURL string `query:"site_url"`
		Status  string `query:"status"`
		Tag     string `query:"tag"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedIdeas `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, input.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		ideas, err := cfg.Backlog.ListIdeas(ctx, repo.IdeaFilters{
			Owner:           owner,
			Status:          input.Status,
			Tag:             input.Tag,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIdeas{Items: []domain.Idea{}}
		if len(ideas) > limit {
			resp.NextCursor = composeCursor(ideas[limit].CreatedAt, ideas[limit].ID)
			ideas = ideas[:limit]
		}
		resp.Items = ideas
		return &struct {
			Body paginatedIdeas `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-idea",
		Method:      http.MethodGet,
		Path:        "/ideas/{id}",
		Summary:     "Get idea",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		idea, err := cfg.Backlog.GetIdea(ctx, input.ID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-idea",
		Method:      http.MethodPatch,
		Path:        "/ideas/{id}",
		Summary:     "Update idea status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateIdeaRequest `json:"body"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		owner, authErr := ownerFromContext(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		idea, err := cfg.Backlog.UpdateIdeaStatus(ctx, input.ID, owner, input.Body.Status, owner.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})
}

func registerActions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Create action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateActionRequest `json:"body"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		owner, authErr := ownerFromContext(ctx, input.Body.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Lifecycle.CreateAction(ctx, lifecycle.CreateOptions{
			Owner:         owner,
			IdeaID:        input.Body.IdeaID,
			ActionType:    input.Body.ActionType,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Payload:       input.Body.Payload,
			Policy:        input.Body.Policy,
			PriorityScore: input.Body.PriorityScore,
			ScheduledFor:  input.Body.ScheduledFor,
			TriggeredBy:   owner.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List actions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SiteURL    string `query:"site_url"`
		Status     string `query:"status"`
		ActionType string `query:"action_type"`
		IdeaID     string `query:"idea_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, input.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		actions, err := cfg.Lifecycle.ListActions(ctx, repo.ActionFilters{
			Owner:           owner,
			Status:          input.Status,
			ActionType:      input.ActionType,
			IdeaID:          input.IdeaID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActions{Items: []domain.Action{}}
		if len(actions) > limit {
			resp.NextCursor = composeCursor(actions[limit].CreatedAt, actions[limit].ID)
			actions = actions[:limit]
		}
		resp.Items = actions
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{id}",
		Summary:     "Get action",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Action `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		a, err := cfg.Lifecycle.GetAction(ctx, input.ID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Action `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-action",
		Method:      http.MethodPut,
		Path:        "/actions/{id}",
		Summary:     "Update action",
		Description: "Merge field updates and optionally transition status or queue the action for execution.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateActionRequest `json:"body"`
	}) (*struct {
		Body UpdateActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		owner, authErr := ownerFromContext(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		if isNullRaw(bodyMap["policy"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "policy must be object", map[string]any{"field": "policy", "reason": "must be object"})
		}
		a, err := cfg.Lifecycle.UpdateAction(ctx, lifecycle.UpdateOptions{
			ID:            input.ID,
			Owner:         owner,
			Status:        input.Body.Status,
			Title:         input.Body.Title,
			Description:   input.Body.Description,
			Payload:       input.Body.Payload,
			Policy:        input.Body.Policy,
			PriorityScore: input.Body.PriorityScore,
			ScheduledFor:  input.Body.ScheduledFor,
			StatusReason:  input.Body.StatusReason,
			TriggeredBy:   owner.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := UpdateActionResponse{Action: a}
		if input.Body.QueueForExecution {
			jobID, err := cfg.Lifecycle.SubmitForExecution(ctx, input.ID, owner, owner.UserID)
			if err != nil {
				// The compensating queued -> proposed revert already ran.
				return nil, handleError(err)
			}
			resp.JobID = jobID
			if a, err = cfg.Lifecycle.GetAction(ctx, input.ID, owner); err == nil {
				resp.Action = a
			}
		}
		return &struct {
			Body UpdateActionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-runs",
		Method:      http.MethodGet,
		Path:        "/actions/{id}/runs",
		Summary:     "List action runs",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		if _, err := cfg.Lifecycle.GetAction(ctx, input.ID, owner); err != nil {
			return nil, handleError(err)
		}
		runs, err := cfg.Repo.ListRuns(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.Run{}
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})
}

func registerVerification(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-verification",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Queue a verification",
		Description: "Schedule a verification of an action's run for the sweep; responds with the job id and when the outcome should be settled.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body VerifyRequest `json:"body"`
	}) (*struct {
		Body VerifyQueuedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_id is required", nil)
		}
		owner, authErr := ownerFromContext(ctx, input.Body.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		v, eta, err := cfg.Verify.QueueVerification(ctx, input.Body.ActionID, input.Body.RunID, owner, owner.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyQueuedResponse `json:"body"`
		}{Body: VerifyQueuedResponse{JobID: v.ID, Status: v.Status, EstimatedCompletion: eta}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-action",
		Method:      http.MethodGet,
		Path:        "/verify",
		Summary:     "Verify an action now",
		Description: "With action_id, run the verification probe synchronously, optionally against a specific run; otherwise list recent results for the caller.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `query:"action_id"`
		RunID    string `query:"run_id"`
		SiteURL  string `query:"site_url"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body VerificationLookupResponse `json:"body"`
	}, error) {
		owner, authErr := ownerFromContext(ctx, input.SiteURL)
		if authErr != nil {
			return nil, authErr
		}
		if input.ActionID == "" && input.RunID != "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_id requires action_id", nil)
		}
		if input.ActionID != "" {
			v, err := cfg.Verify.VerifyAction(ctx, input.ActionID, input.RunID, owner, owner.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body VerificationLookupResponse `json:"body"`
			}{Body: VerificationLookupResponse{Verification: &v}}, nil
		}
		items, err := cfg.Verify.ListRecent(ctx, owner, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.VerificationResult{}
		}
		return &struct {
			Body VerificationLookupResponse `json:"body"`
		}{Body: VerificationLookupResponse{Items: items}}, nil
	})
}

func registerCron(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "cron-sweep",
		Method:      http.MethodPost,
		Path:        "/cron/sweep",
		Summary:     "Sweep due verifications",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SweepRequest `json:"body,omitempty"`
	}) (*struct {
		Body verify.SweepResult `json:"body"`
	}, error) {
		res, err := cfg.Verify.Sweep(ctx, verify.SweepOptions{
			Owner:       domain.Owner{SiteURL: input.Body.SiteURL},
			Force:       input.Body.Force,
			Limit:       input.Body.Limit,
			TriggeredBy: "cron",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verify.SweepResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cron-work",
		Method:      http.MethodPost,
		Path:        "/cron/work",
		Summary:     "Process ready queue jobs",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body WorkRequest `json:"body,omitempty"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		maxJobs := input.Body.MaxJobs
		processed := 0
		for maxJobs <= 0 || processed < maxJobs {
			ran, err := cfg.Executor.RunOnce(ctx, "cron")
			if err != nil {
				return nil, handleError(err)
			}
			if !ran {
				break
			}
			processed++
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: WorkResponse{Processed: processed}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Description: "Append-only audit log, newest first.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SiteURL    string `query:"site_url"`
		Type       string `query:"type"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursor, err := parseEventCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := cfg.Repo.LatestEvents(ctx, limit+1, cursor, repo.EventFilters{
			UserID:     userID,
			SiteURL:    input.SiteURL,
			Type:       input.Type,
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprint(items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
