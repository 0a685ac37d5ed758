package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("gateline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func actorHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", env.Error.Code)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "jwt-user",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt request status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a garbage token, got %d", res.StatusCode)
	}
}

func TestTaskCreationRunsTheGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/gateline"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "stakeholder research for the onboarding flow",
		"estimated_units": 10,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task response: %v", err)
	}
	if created.Task.Status != domain.TaskPending {
		t.Fatalf("expected pending task, got %s", created.Task.Status)
	}
	if created.Approval == nil || created.Approval.Status != domain.ApprovalApproved {
		t.Fatalf("expected an auto-approved request, got %+v", created.Approval)
	}

	// deployer has no business in discovery
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "deployer",
		"instructions":    "research deployment targets",
		"estimated_units": 10,
	}, actorHeaders())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != "policy_denied" {
		t.Fatalf("expected policy_denied, got %q", env.Error.Code)
	}
	if env.Error.Details["allowed_roles"] == nil {
		t.Fatalf("denial should list allowed roles: %v", env.Error.Details)
	}

	// vague instructions come back for clarification
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "handle the thing from the meeting",
		"estimated_units": 10,
	}, actorHeaders())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != "needs_clarification" {
		t.Fatalf("expected needs_clarification, got %q", env.Error.Code)
	}
}

func TestApprovalDecisionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/gateline"

	res, data := doJSON(t, client, http.MethodPut, base+"/hitl/counter", map[string]any{
		"ceiling": 0,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set counter status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "requirement analysis for checkout",
		"estimated_units": 10,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task response: %v", err)
	}
	if created.Task.Status != domain.TaskWaitingForApproval {
		t.Fatalf("expected waiting_for_approval, got %s", created.Task.Status)
	}
	if created.Approval == nil || created.Approval.Status != domain.ApprovalPending {
		t.Fatalf("expected a pending request, got %+v", created.Approval)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/approvals", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list approvals status %d: %s", res.StatusCode, string(data))
	}
	var pending []ApprovalResponse
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal approvals: %v", err)
	}
	if len(pending) != 1 || pending[0].Request.ID != created.Approval.ID {
		t.Fatalf("expected the created request pending, got %+v", pending)
	}

	decisionURL := srv.URL + "/v0/approvals/" + created.Approval.ID + "/decision"
	res, data = doJSON(t, client, http.MethodPost, decisionURL, map[string]any{
		"action":  "approve",
		"comment": "looks good",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decision status %d: %s", res.StatusCode, string(data))
	}
	var outcome DecisionOutcomeResponse
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if !outcome.Applied || outcome.Request.Status != domain.ApprovalApproved {
		t.Fatalf("first decision should apply: %+v", outcome)
	}

	res, data = doJSON(t, client, http.MethodPost, decisionURL, map[string]any{
		"action": "reject",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("late decision status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Applied || outcome.Request.Status != domain.ApprovalApproved {
		t.Fatalf("late decision must lose the race: %+v", outcome)
	}
}

func TestBudgetAndEmergencyStop(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/gateline"

	res, data := doJSON(t, client, http.MethodPut, base+"/budget/limit", map[string]any{
		"limit_units": 100,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set limit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "stakeholder research",
		"estimated_units": 60,
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/budget", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("budget status %d: %s", res.StatusCode, string(data))
	}
	var budget domain.BudgetStatus
	if err := json.Unmarshal(data, &budget); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if budget.LimitUnits != 100 || budget.ReservedUnits != 60 || budget.RemainingUnits != 40 {
		t.Fatalf("unexpected ledger: %+v", budget)
	}

	// a second reservation over the remaining limit is refused
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "stakeholder research, part two",
		"estimated_units": 50,
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != "budget_exceeded" {
		t.Fatalf("expected budget_exceeded, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/emergency-stop", map[string]any{
		"reason": "runaway spend",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("emergency stop status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &budget); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if !budget.EmergencyStopped {
		t.Fatalf("expected emergency stop active: %+v", budget)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"agent_role":      "analyst",
		"instructions":    "stakeholder research, part three",
		"estimated_units": 1,
	}, actorHeaders())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while stopped, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Error.Code != "emergency_stop_active" {
		t.Fatalf("expected emergency_stop_active, got %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/emergency-stop", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clear stop status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &budget); err != nil {
		t.Fatalf("unmarshal budget: %v", err)
	}
	if budget.EmergencyStopped {
		t.Fatalf("expected stop cleared: %+v", budget)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "agent-7",
		"name":     "ci",
	}, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("raw key missing from creation response")
	}

	// the raw key authenticates as its actor
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key should not authenticate, got %d", res.StatusCode)
	}
}

func TestProjectStatusView(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/gateline"

	res, data := doJSON(t, client, http.MethodGet, base+"/status", nil, actorHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint %d: %s", res.StatusCode, string(data))
	}
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status["phase"] != "discovery" {
		t.Fatalf("expected discovery, got %v", status["phase"])
	}
	if status["project_id"] != "gateline" {
		t.Fatalf("expected project id, got %v", status["project_id"])
	}
}
