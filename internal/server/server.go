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
	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_denied"`
	Message string         `json:"message" example:"role tester cannot act in phase build"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerHitl(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	var pd engine.PolicyDeniedError
	if errors.As(err, &pd) {
		roles := make([]string, 0, len(pd.AllowedRoles))
		for _, r := range pd.AllowedRoles {
			roles = append(roles, string(r))
		}
		return newAPIError(http.StatusForbidden, "policy_denied", err.Error(), map[string]any{
			"phase":         string(pd.Phase),
			"allowed_roles": roles,
		})
	}
	var nc engine.NeedsClarificationError
	if errors.As(err, &nc) {
		return newAPIError(http.StatusUnprocessableEntity, "needs_clarification", err.Error(), map[string]any{
			"phase": string(nc.Phase),
			"hint":  nc.Hint,
		})
	}
	var be engine.BudgetExceededError
	if errors.As(err, &be) {
		return newAPIError(http.StatusConflict, "budget_exceeded", err.Error(), map[string]any{
			"requested_units": be.RequestedUnits,
			"remaining_units": be.RemainingUnits,
		})
	}
	var cu engine.ConflictUnresolvedError
	if errors.As(err, &cu) {
		return newAPIError(http.StatusConflict, "conflict_escalated", err.Error(), map[string]any{
			"request_id": cu.RequestID,
			"passes":     cu.Passes,
		})
	}
	if errors.Is(err, engine.ErrEmergencyStopActive) {
		return newAPIError(http.StatusConflict, "emergency_stop_active", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition") || strings.Contains(lowered, "already") || strings.Contains(lowered, "is not open"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Gateline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		budget, err := e.BudgetStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		hitl, err := e.GetHitlSettings(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.PendingApprovals(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":        p.ID,
			"phase":             p.Phase,
			"status":            p.Status,
			"tasks":             counts,
			"budget":            budget,
			"hitl":              hitl,
			"pending_approvals": len(pending),
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-create",
		Method:      http.MethodPost,
		Path:        "/projects",
		Summary:     "Create a project",
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			id = uuid.New().String()
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, id, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-list",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-get",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-advance",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/advance",
		Summary:     "Advance a project to the next phase",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AdvancePhase(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-update",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Pause, resume or fail a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      UpdateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetProjectStatus(ctx, input.ProjectID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-create",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Create a gated task",
		Description: "Runs the policy gate and budget reservation, then opens the pre-execution approval request.",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateTaskRequest
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, req, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:      input.ProjectID,
			AgentRole:      domain.AgentRole(input.Body.AgentRole),
			Instructions:   input.Body.Instructions,
			ContextRefs:    input.Body.ContextRefs,
			EstimatedUnits: input.Body.EstimatedUnits,
			PolicyOverride: input.Body.PolicyOverride,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := TaskResponse{Task: t}
		if req.ID != "" {
			out.Approval = &req
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		AgentRole string `query:"agent_role"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			AgentRole: input.AgentRole,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-get",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-cancel",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validation-failure",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/validation-failures",
		Summary:     "Report a validation failure",
		Description: "Routes the project back to build for a bug-fix pass, or escalates once retries are exhausted.",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      ValidationFailureRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ReportValidationFailure(ctx, input.Body.TaskID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approval-list-pending",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List pending approval requests",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		items, err := e.PendingApprovals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: mapApprovals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-get",
		Method:      http.MethodGet,
		Path:        "/approvals/{request_id}",
		Summary:     "Get an approval request",
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		req, err := e.Repo.GetApproval(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-decide",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/decision",
		Summary:     "Record a decision on a pending request",
		Description: "The first decision wins. A decision against an already-resolved request returns the recorded outcome with applied=false.",
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Body      DecisionRequest
	}) (*struct {
		Body DecisionOutcomeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payloadJSON := ""
		if len(input.Body.Payload) > 0 {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid decision payload", nil)
			}
			payloadJSON = string(data)
		}
		outcome, err := e.RecordDecision(ctx, input.RequestID, input.Body.Action, payloadJSON, input.Body.Comment, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionOutcomeResponse `json:"body"`
		}{Body: DecisionOutcomeResponse{Applied: outcome.Applied, Request: outcome.Request}}, nil
	})
}

func registerHitl(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "hitl-get",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/hitl",
		Summary:     "Get HITL settings",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.HitlSettings `json:"body"`
	}, error) {
		s, err := e.GetHitlSettings(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HitlSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hitl-enabled",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/hitl/enabled",
		Summary:     "Toggle approval gating",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      HitlEnabledRequest
	}) (*struct {
		Body domain.HitlSettings `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetHitlEnabled(ctx, input.ProjectID, input.Body.Enabled, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HitlSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hitl-counter",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/hitl/counter",
		Summary:     "Set the auto-approval counter ceiling",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      HitlCounterRequest
	}) (*struct {
		Body domain.HitlSettings `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetHitlCounter(ctx, input.ProjectID, input.Body.Ceiling, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HitlSettings `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hitl-reset",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hitl/reset",
		Summary:     "Reset the auto-approval counter to its ceiling",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.HitlSettings `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResetHitlCounter(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HitlSettings `json:"body"`
		}{Body: s}, nil
	})
}

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "budget-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/budget",
		Summary:     "Budget ledger status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.BudgetStatus `json:"body"`
	}, error) {
		b, err := e.BudgetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetStatus `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-limit",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/budget/limit",
		Summary:     "Set the budget limit",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      BudgetLimitRequest
	}) (*struct {
		Body domain.BudgetStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetBudgetLimit(ctx, input.ProjectID, input.Body.LimitUnits, actorID); err != nil {
			return nil, handleError(err)
		}
		b, err := e.BudgetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetStatus `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "emergency-stop",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/emergency-stop",
		Summary:     "Trigger an emergency stop",
		Description: "Halts reservations and rejects every pending approval request.",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      EmergencyStopRequest
	}) (*struct {
		Body domain.BudgetStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.TriggerEmergencyStop(ctx, input.ProjectID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		b, err := e.BudgetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetStatus `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "emergency-stop-clear",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/emergency-stop",
		Summary:     "Clear an emergency stop",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.BudgetStatus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ClearEmergencyStop(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		b, err := e.BudgetStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetStatus `json:"body"`
		}{Body: b}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "event-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var items []domain.Event
		var err error
		if input.Cursor > 0 {
			items, err = e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apikey-create",
		Method:      http.MethodPost,
		Path:        "/apikeys",
		Summary:     "Create an API key",
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		rawKey := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, tx, events.TypeAPIKeyCreated, "", "api_key", key.ID, actorID, events.EventPayload{
			"actor_id": key.ActorID,
			"name":     key.Name,
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			CreatedAt: key.CreatedAt,
			Key:       rawKey,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apikey-list",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apikey-revoke",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, events.TypeAPIKeyRevoked, "", "api_key", input.KeyID, actorID, nil); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "revoked"}}, nil
	})
}
