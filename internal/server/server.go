// Package server exposes the maf query and recovery API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maf/internal/bus"
	"maf/internal/domain"
	"maf/internal/engine"
	"maf/internal/events"
	"maf/internal/logging"
	"maf/internal/orchestrator"
	"maf/internal/repo"
)

const (
	DefaultBasePath = "/v1"

	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          bus.Bus
	BasePath     string
	Auth         AuthConfig
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
	Log     *logging.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"task t1: cannot move from completed to pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	orch   *orchestrator.Orchestrator
	engine engine.Engine
	bus    bus.Bus
	log    *logging.Logger
}

// New returns an HTTP handler exposing the maf API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("maf API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := &handlers{
		orch:   cfg.Orchestrator,
		engine: cfg.Orchestrator.Engine(),
		bus:    cfg.Bus,
		log:    cfg.Log.WithComponent("http"),
	}
	registerDocs(router, basePath)
	registerHealth(group, a)
	registerStats(group, a)
	registerFeatures(group, a)
	registerTasks(group, a)
	registerEvents(group, a)
	registerRecovery(group, a)
	registerOpenAPI(router, humaAPI, basePath)

	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.Handle("/metrics", metricsHandler)
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
	msg := err.Error()
	var te *engine.TransitionError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{
			"id": te.ID, "from": te.From, "to": te.To,
		})
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrDependenciesPending):
		return newAPIError(http.StatusConflict, "dependencies_pending", msg, nil)
	case errors.Is(err, engine.ErrUnknownDependency):
		return newAPIError(http.StatusBadRequest, "unknown_dependency", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	for _, item := range oas.Paths {
		if item.Post != nil {
			item.Post.Security = []map[string][]string{{"bearerAuth": {}}}
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
    <title>maf API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-health",
		Method:      http.MethodGet,
		Path:        "/health/tasks",
		Summary:     "Stalled, long-running and exhausted tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.HealthReport `json:"body"`
	}, error) {
		rep, err := a.orch.TaskHealth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HealthReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerStats(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Task statistics and bus counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := a.engine.GetTaskStatistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Tasks: stats, Bus: a.bus.Stats()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-by-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{role}/pending",
		Summary:     "Pending tasks for an agent role",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Role string `path:"role"`
	}) (*struct {
		Body PendingTasksResponse `json:"body"`
	}, error) {
		items, err := a.engine.GetPendingTasksByAgent(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingTasksResponse `json:"body"`
		}{Body: PendingTasksResponse{Role: domain.NormalizeRole(input.Role), Items: nonNilTasks(items)}}, nil
	})
}

func registerFeatures(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-feature",
		Method:        http.MethodPost,
		Path:          "/features",
		Summary:       "Request a feature",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateFeatureRequest
	}) (*struct {
		Body domain.Feature `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Description) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		f, err := a.orch.RequestFeature(ctx, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			a.log.Info("feature requested", "feature_id", f.ID, "subject", p.Subject)
		}
		return &struct {
			Body domain.Feature `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-features",
		Method:      http.MethodGet,
		Path:        "/features",
		Summary:     "List features",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,in_progress,completed,failed,blocked"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body ListFeaturesResponse `json:"body"`
	}, error) {
		items, err := a.engine.ListFeatures(ctx, repo.FeatureFilters{
			Status: domain.FeatureStatus(input.Status),
			Limit:  normalizeLimit(input.Limit, defaultEventLimit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Feature{}
		}
		return &struct {
			Body ListFeaturesResponse `json:"body"`
		}{Body: ListFeaturesResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-feature",
		Method:      http.MethodGet,
		Path:        "/features/{id}",
		Summary:     "Feature status with its tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body FeatureResponse `json:"body"`
	}, error) {
		f, err := a.engine.GetFeature(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := a.engine.ListFeatureTasks(ctx, f.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeatureResponse `json:"body"`
		}{Body: FeatureResponse{Feature: f, Tasks: nonNilTasks(tasks)}}, nil
	})
}

func registerTasks(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Task with its state history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := a.engine.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		hist, err := a.engine.History(ctx, t.ID, 50)
		if err != nil {
			return nil, handleError(err)
		}
		if hist == nil {
			hist = []domain.StateChange{}
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t, History: hist}}, nil
	})
}

func registerEvents(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Bus history, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Source string `query:"source"`
		Since  string `query:"since" doc:"RFC3339 timestamp, inclusive"`
		Limit  int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		q := bus.Query{Source: input.Source, Limit: normalizeLimit(input.Limit, defaultEventLimit)}
		if input.Type != "" {
			q.Type = events.Type(input.Type)
		}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339Nano, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			q.Since = since
		}
		resp := EventsResponse{Items: []EventResponse{}}
		for e := range a.bus.History(ctx, q) {
			resp.Items = append(resp.Items, eventResponse(e))
		}
		if n := len(resp.Items); n > 0 && n == q.Limit {
			resp.NextSince = resp.Items[n-1].Timestamp.Format(time.RFC3339Nano)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRecovery(api huma.API, a *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "recover-stalled",
		Method:      http.MethodPost,
		Path:        "/recovery/stalled",
		Summary:     "Fail stalled tasks, retry them and re-dispatch",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RecoverySummary `json:"body"`
	}, error) {
		sum, err := a.orch.RecoverStalled(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RecoverySummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-retry",
		Method:      http.MethodPost,
		Path:        "/recovery/retry",
		Summary:     "Re-queue failed tasks with retries left",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RetrySummary `json:"body"`
	}, error) {
		sum, err := a.orch.RetryFailed(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RetrySummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-cleanup",
		Method:      http.MethodPost,
		Path:        "/recovery/cleanup",
		Summary:     "Archive finished features past retention",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body *CleanupRequest `required:"false"`
	}) (*struct {
		Body engine.CleanupSummary `json:"body"`
	}, error) {
		var retention time.Duration
		if input.Body != nil && input.Body.Retention != "" {
			d, err := time.ParseDuration(input.Body.Retention)
			if err != nil || d < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid retention", map[string]any{"retention": input.Body.Retention})
			}
			retention = d
		}
		sum, err := a.orch.Cleanup(ctx, retention)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CleanupSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func normalizeLimit(in, def int) int {
	if in <= 0 {
		return def
	}
	if in > maxEventLimit {
		return maxEventLimit
	}
	return in
}
