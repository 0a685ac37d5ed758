package server

import (
	"encoding/json"

	"gateline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Status string `json:"status" enum:"active,paused,failed"`
}

type CreateTaskRequest struct {
	AgentRole      string         `json:"agent_role" enum:"analyst,architect,developer,tester,deployer,orchestrator"`
	Instructions   string         `json:"instructions"`
	ContextRefs    []string       `json:"context_refs,omitempty"`
	EstimatedUnits int64          `json:"estimated_units,omitempty"`
	PolicyOverride bool           `json:"policy_override,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type DecisionRequest struct {
	Action  string         `json:"action" enum:"approve,reject,amend"`
	Payload map[string]any `json:"payload,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

type HitlEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type HitlCounterRequest struct {
	Ceiling int `json:"ceiling" minimum:"0"`
}

type BudgetLimitRequest struct {
	LimitUnits int64 `json:"limit_units" minimum:"0"`
}

type EmergencyStopRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ValidationFailureRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Phase:       string(p.Phase),
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type TaskResponse struct {
	Task     domain.Task             `json:"task"`
	Approval *domain.ApprovalRequest `json:"approval,omitempty"`
}

type ApprovalResponse struct {
	Request domain.ApprovalRequest `json:"request"`
	Payload map[string]any         `json:"payload,omitempty"`
}

func approvalResponse(a domain.ApprovalRequest) ApprovalResponse {
	res := ApprovalResponse{Request: a}
	if a.PayloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}

func mapApprovals(items []domain.ApprovalRequest) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

type DecisionOutcomeResponse struct {
	Applied bool                   `json:"applied"`
	Request domain.ApprovalRequest `json:"request"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	res := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			res.Payload = payload
		}
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}
