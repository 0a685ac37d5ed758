package gatelinesdk

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

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	AgentRole    string `json:"agent_role"`
	Status       string `json:"status"`
	Instructions string `json:"instructions"`
	RetryCount   int    `json:"retry_count"`
}

// ApprovalRequest represents a gate awaiting (or past) a decision.
type ApprovalRequest struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	ProjectID   string `json:"project_id"`
	RequestType string `json:"request_type"`
	Status      string `json:"status"`
	Comment     string `json:"comment,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

// TaskWithApproval is the task creation response.
type TaskWithApproval struct {
	Task     Task             `json:"task"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
}

// DecisionOutcome reports whether a decision was applied or lost the race.
type DecisionOutcome struct {
	Applied bool            `json:"applied"`
	Request ApprovalRequest `json:"request"`
}

// BudgetStatus is the ledger view.
type BudgetStatus struct {
	ProjectID        string `json:"project_id"`
	LimitUnits       int64  `json:"limit_units"`
	ReservedUnits    int64  `json:"reserved_units"`
	CommittedUnits   int64  `json:"committed_units"`
	RemainingUnits   int64  `json:"remaining_units"`
	EmergencyStopped bool   `json:"emergency_stopped"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask submits a gated task.
func (c *Client) CreateTask(ctx context.Context, agentRole, instructions string, estimatedUnits int64) (TaskWithApproval, error) {
	body := map[string]any{
		"agent_role":      agentRole,
		"instructions":    instructions,
		"estimated_units": estimatedUnits,
	}
	var resp TaskWithApproval
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), body, &resp)
	return resp, err
}

// PendingApprovals lists requests awaiting a decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	var resp []struct {
		Request ApprovalRequest `json:"request"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("approvals"), nil, &resp)
	if err != nil {
		return nil, err
	}
	items := make([]ApprovalRequest, 0, len(resp))
	for _, r := range resp {
		items = append(items, r.Request)
	}
	return items, nil
}

// Approve records an approval on a pending request.
func (c *Client) Approve(ctx context.Context, requestID, comment string) (DecisionOutcome, error) {
	return c.decide(ctx, requestID, "approve", nil, comment)
}

// Reject records a rejection on a pending request.
func (c *Client) Reject(ctx context.Context, requestID, comment string) (DecisionOutcome, error) {
	return c.decide(ctx, requestID, "reject", nil, comment)
}

// Amend replaces the gated content and resumes the task with it.
func (c *Client) Amend(ctx context.Context, requestID, instructions, comment string) (DecisionOutcome, error) {
	return c.decide(ctx, requestID, "amend", map[string]any{"instructions": instructions}, comment)
}

func (c *Client) decide(ctx context.Context, requestID, action string, payload map[string]any, comment string) (DecisionOutcome, error) {
	body := map[string]any{
		"action":  action,
		"comment": comment,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp DecisionOutcome
	endpoint := fmt.Sprintf("v0/approvals/%s/decision", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Budget returns the ledger status.
func (c *Client) Budget(ctx context.Context) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodGet, c.projectPath("budget"), nil, &resp)
	return resp, err
}

// EmergencyStop halts the project.
func (c *Client) EmergencyStop(ctx context.Context, reason string) (BudgetStatus, error) {
	var resp BudgetStatus
	err := c.do(ctx, http.MethodPost, c.projectPath("emergency-stop"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
