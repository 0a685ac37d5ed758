package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

type stubExecutor struct {
	resultRef string
	unitsUsed int64
	err       error
}

func (s stubExecutor) Execute(ctx context.Context, task domain.Task) (engine.ExecutionResult, error) {
	if s.err != nil {
		return engine.ExecutionResult{}, s.err
	}
	return engine.ExecutionResult{ResultRef: s.resultRef, UnitsUsed: s.unitsUsed}, nil
}

type stubMediator struct {
	resolveOnPass int
	mergedRef     string
}

func (s stubMediator) Mediate(ctx context.Context, c engine.Conflict) (engine.Resolution, error) {
	if s.resolveOnPass > 0 && c.Pass >= s.resolveOnPass {
		return engine.Resolution{Resolved: true, MergedRef: s.mergedRef}, nil
	}
	return engine.Resolution{}, nil
}

func createTask(t *testing.T, env testEnv, role domain.AgentRole, instructions string, units int64) (domain.Task, domain.ApprovalRequest) {
	t.Helper()
	task, req, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:      "proj-1",
		AgentRole:      role,
		Instructions:   instructions,
		EstimatedUnits: units,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task, req
}

func TestPolicyGateDeniesOffPhaseRole(t *testing.T) {
	env := newTestEnv(t)
	// discovery only admits analyst and orchestrator
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:      "proj-1",
		AgentRole:      domain.RoleDeveloper,
		Instructions:   "research the market",
		EstimatedUnits: 10,
		ActorID:        "tester",
	})
	var denied engine.PolicyDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if len(denied.AllowedRoles) == 0 {
		t.Fatalf("denial carries no allowed roles")
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("denied request left a task behind")
	}
}

func TestPolicyGateNeedsClarification(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:      "proj-1",
		AgentRole:      domain.RoleAnalyst,
		Instructions:   "do something unrelated",
		EstimatedUnits: 10,
		ActorID:        "tester",
	})
	var nc engine.NeedsClarificationError
	if !errors.As(err, &nc) {
		t.Fatalf("expected needs_clarification, got %v", err)
	}
	if nc.Hint == "" {
		t.Fatalf("expected a hint naming the expected deliverables")
	}
}

func TestPolicyOverrideIsAudited(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID:      "proj-1",
		AgentRole:      domain.RoleDeveloper,
		Instructions:   "whatever it takes",
		EstimatedUnits: 10,
		PolicyOverride: true,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatalf("override should bypass the gate: %v", err)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", "policy.override")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one policy.override event, got %d", n)
	}
}

func TestAutoApprovalConsumesCounter(t *testing.T) {
	env := newTestEnv(t)
	// default ceiling is 5
	_, req := createTask(t, env, domain.RoleAnalyst, "stakeholder research", 10)
	if req.Status != domain.ApprovalApproved {
		t.Fatalf("expected auto-approved request, got %s", req.Status)
	}
	if req.DecidedBy == nil || *req.DecidedBy != "auto-approval" {
		t.Fatalf("auto-approval must be attributed")
	}
	s, err := env.Engine.GetHitlSettings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Counter != 4 {
		t.Fatalf("expected counter 4, got %d", s.Counter)
	}
}

func TestCounterThresholdFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 1, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ConsumeOne(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !res.AutoApproved || !res.ThresholdReached || res.Remaining != 0 {
		t.Fatalf("unexpected consume result: %+v", res)
	}
	res, err = env.Engine.ConsumeOne(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if res.AutoApproved {
		t.Fatalf("exhausted counter must not auto-approve")
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", "hitl.threshold.reached")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("threshold event fired %d times", n)
	}
}

func TestDisabledHitlSkipsCounter(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlEnabled(env.Ctx, "proj-1", false, "tester"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		res, err := env.Engine.ConsumeOne(env.Ctx, "proj-1", "tester")
		if err != nil {
			t.Fatal(err)
		}
		if !res.AutoApproved {
			t.Fatalf("disabled gating must auto-approve")
		}
	}
	s, err := env.Engine.GetHitlSettings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Counter != 5 {
		t.Fatalf("counter consumed while disabled: %d", s.Counter)
	}
	// the approval record must not pretend a counter budget was spent
	_, req := createTask(t, env, domain.RoleAnalyst, "stakeholder research", 10)
	if req.Comment != "auto-approved; approvals disabled" {
		t.Fatalf("unexpected auto-approval comment: %q", req.Comment)
	}
}

func TestFirstDecisionWins(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	task, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)
	if req.Status != domain.ApprovalPending {
		t.Fatalf("expected pending request with exhausted counter, got %s", req.Status)
	}
	if task.Status != domain.TaskWaitingForApproval {
		t.Fatalf("task should wait, got %s", task.Status)
	}

	first, err := env.Engine.RecordDecision(env.Ctx, req.ID, "approve", "", "lgtm", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Applied || first.Request.Status != domain.ApprovalApproved {
		t.Fatalf("first decision not applied: %+v", first)
	}

	// the losing decision must return promptly, not block on the store
	type decision struct {
		outcome engine.DecisionOutcome
		err     error
	}
	done := make(chan decision, 1)
	go func() {
		outcome, err := env.Engine.RecordDecision(env.Ctx, req.ID, "reject", "", "no", "bob")
		done <- decision{outcome, err}
	}()
	var second engine.DecisionOutcome
	select {
	case d := <-done:
		if d.err != nil {
			t.Fatal(d.err)
		}
		second = d.outcome
	case <-time.After(3 * time.Second):
		t.Fatalf("second decision never returned")
	}
	if second.Applied {
		t.Fatalf("second decision must be a no-op")
	}
	if second.Request.Status != domain.ApprovalApproved {
		t.Fatalf("late caller must see the committed outcome, got %s", second.Request.Status)
	}
	if second.Request.DecidedBy == nil || *second.Request.DecidedBy != "alice" {
		t.Fatalf("decided_by should name the winner")
	}
}

func TestDecisionRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	_, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)
	if _, err := env.Engine.RecordDecision(env.Ctx, req.ID, "approve", "", "", ""); err == nil {
		t.Fatalf("expected actor requirement")
	}
	if _, err := env.Engine.RecordDecision(env.Ctx, req.ID, "amend", "", "", "alice"); err == nil {
		t.Fatalf("amend without payload must fail")
	}
}

func TestAwaitDecisionWakesOnResolution(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	_, req := createTask(t, env, domain.RoleAnalyst, "discovery interviews", 10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = env.Engine.RecordDecision(env.Ctx, req.ID, "approve", "", "", "alice")
	}()
	got, err := env.Engine.AwaitDecision(env.Ctx, req.ID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", got.Status)
	}
}

func TestAwaitDecisionTimeoutExpires(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	_, req := createTask(t, env, domain.RoleAnalyst, "discovery interviews", 10)
	got, err := env.Engine.AwaitDecision(env.Ctx, req.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	// a late decision reports the expiry, it does not flip the outcome
	late, err := env.Engine.RecordDecision(env.Ctx, req.ID, "approve", "", "", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if late.Applied || late.Request.Status != domain.ApprovalExpired {
		t.Fatalf("expiry must win: %+v", late)
	}
}

func TestBudgetReserveRefusesOverdraw(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetBudgetLimit(env.Ctx, "proj-1", 100, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 60, "tester")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 50, "tester")
	var be engine.BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if be.RemainingUnits != 40 {
		t.Fatalf("expected remaining 40, got %d", be.RemainingUnits)
	}
	if err := env.Engine.ReleaseReservation(env.Ctx, res.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 100, "tester"); err != nil {
		t.Fatalf("full reserve after release should pass: %v", err)
	}
}

func TestBudgetCommitAndStatus(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetBudgetLimit(env.Ctx, "proj-1", 100, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 60, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CommitReservation(env.Ctx, res.ID, 45, "tester"); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.CommittedUnits != 45 || b.ReservedUnits != 0 || b.RemainingUnits != 55 {
		t.Fatalf("unexpected ledger: %+v", b)
	}
	// committing twice is refused
	if err := env.Engine.CommitReservation(env.Ctx, res.ID, 45, "tester"); err == nil {
		t.Fatalf("double commit must fail")
	}
}

func TestBudgetOverdraftRaisesEmergencyStop(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetBudgetLimit(env.Ctx, "proj-1", 100, "tester"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 50, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CommitReservation(env.Ctx, res.ID, 200, "tester"); err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.CommittedUnits != 100 {
		t.Fatalf("overdraft must clamp committed to the limit, got %d", b.CommittedUnits)
	}
	if b.RemainingUnits != 0 {
		t.Fatalf("remaining must never go negative, got %d", b.RemainingUnits)
	}
	if !b.EmergencyStopped {
		t.Fatalf("overdraft must trigger the emergency stop")
	}
	_, err = env.Engine.Reserve(env.Ctx, "proj-1", "", domain.RoleAnalyst, 1, "tester")
	if !errors.Is(err, engine.ErrEmergencyStopActive) {
		t.Fatalf("expected emergency stop, got %v", err)
	}
	if err := env.Engine.ClearEmergencyStop(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatal(err)
	}
	b, _ = env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if b.EmergencyStopped {
		t.Fatalf("stop should be cleared")
	}
}

func TestEmergencyStopRejectsPendingApprovals(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	_, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)

	done := make(chan domain.ApprovalRequest, 1)
	go func() {
		got, _ := env.Engine.AwaitDecision(env.Ctx, req.ID, 5*time.Second)
		done <- got
	}()
	time.Sleep(50 * time.Millisecond)
	if err := env.Engine.TriggerEmergencyStop(env.Ctx, "proj-1", "runaway spend", "ops"); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-done:
		if got.Status != domain.ApprovalRejected {
			t.Fatalf("expected rejected, got %s", got.Status)
		}
		if got.Comment != engine.ReasonEmergencyStop {
			t.Fatalf("rejection must carry the stop reason, got %q", got.Comment)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("waiter did not wake on emergency stop")
	}
}

func TestEmergencyStopFailsGatedTasks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	task, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)

	// no AwaitDecision waiter attached; the stop itself must clean up
	if err := env.Engine.TriggerEmergencyStop(env.Ctx, "proj-1", "runaway spend", "ops"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetApproval(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	tk, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != domain.TaskFailed {
		t.Fatalf("owning task must fail on emergency stop, got %s", tk.Status)
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.ReservedUnits != 0 {
		t.Fatalf("reservation should be released on emergency stop: %+v", b)
	}
}

func TestRunTaskAutoApprovedToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = stubExecutor{resultRef: "artifact://report-1", unitsUsed: 7}
	task, _ := createTask(t, env, domain.RoleAnalyst, "stakeholder research", 10)

	got, err := env.Engine.RunTask(env.Ctx, task.ID, "tester")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ResultRef == nil || *got.ResultRef != "artifact://report-1" {
		t.Fatalf("result ref not recorded")
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.CommittedUnits != 7 || b.ReservedUnits != 0 {
		t.Fatalf("actual usage should be committed and the reservation settled: %+v", b)
	}
}

func TestRunTaskRejectedPreExecution(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = stubExecutor{resultRef: "x", unitsUsed: 1}
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	task, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)

	errCh := make(chan error, 1)
	taskCh := make(chan domain.Task, 1)
	go func() {
		got, err := env.Engine.RunTask(env.Ctx, task.ID, "tester")
		taskCh <- got
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := env.Engine.RecordDecision(env.Ctx, req.ID, "reject", "", "not now", "alice"); err != nil {
		t.Fatal(err)
	}
	got := <-taskCh
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.ReservedUnits != 0 || b.CommittedUnits != 0 {
		t.Fatalf("rejection must release the reservation: %+v", b)
	}
}

func TestRunTaskAmendmentReplacesInstructions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = stubExecutor{resultRef: "artifact://v2", unitsUsed: 3}
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	task, pre := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)

	taskCh := make(chan domain.Task, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := env.Engine.RunTask(env.Ctx, task.ID, "tester")
		taskCh <- got
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := env.Engine.RecordDecision(env.Ctx, pre.ID, "amend", `{"instructions":"requirement analysis, narrower scope"}`, "tighten it", "alice"); err != nil {
		t.Fatal(err)
	}

	// the amended task executes, then waits on the response approval
	var resp domain.ApprovalRequest
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := env.Engine.PendingApprovals(env.Ctx, "proj-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 1 && pending[0].RequestType == domain.RequestResponseApproval {
			resp = pending[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("response approval never appeared")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := env.Engine.RecordDecision(env.Ctx, resp.ID, "approve", "", "", "alice"); err != nil {
		t.Fatal(err)
	}
	got := <-taskCh
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Instructions != "requirement analysis, narrower scope" {
		t.Fatalf("amendment did not replace instructions: %q", got.Instructions)
	}
}

func TestValidationFailureRoutesBackToBuild(t *testing.T) {
	env := newTestEnv(t)
	advanceTo(t, env, domain.PhaseValidate)
	task, _ := createTask(t, env, domain.RoleTester, "run the regression suite", 10)

	p, err := env.Engine.ReportValidationFailure(env.Ctx, task.ID, "login test failing", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseBuild {
		t.Fatalf("expected build phase, got %s", p.Phase)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskFailed || got.RetryCount != 1 {
		t.Fatalf("task should record the failed pass: %+v", got)
	}
}

func TestValidationFailureEscalatesAfterRetries(t *testing.T) {
	env := newTestEnv(t)
	advanceTo(t, env, domain.PhaseValidate)
	task, _ := createTask(t, env, domain.RoleTester, "acceptance testing", 10)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET retry_count=3 WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}

	p, err := env.Engine.ReportValidationFailure(env.Ctx, task.ID, "still failing", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhaseValidate {
		t.Fatalf("escalation must not bounce the phase, got %s", p.Phase)
	}
	pending, err := env.Engine.PendingApprovals(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range pending {
		if r.TaskID == task.ID && r.RequestType == domain.RequestEscalation {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a pending escalation request")
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", "task.conflict.escalated")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected escalation event, got %d", n)
	}
}

func TestEscalationNeverAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	advanceTo(t, env, domain.PhaseValidate)
	task, _ := createTask(t, env, domain.RoleTester, "verify the release", 10)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE tasks SET retry_count=3 WHERE id=?`, task.ID); err != nil {
		t.Fatal(err)
	}
	s, err := env.Engine.GetHitlSettings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	before := s.Counter
	if _, err := env.Engine.ReportValidationFailure(env.Ctx, task.ID, "still failing", "tester"); err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.GetHitlSettings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Counter != before {
		t.Fatalf("escalation consumed the auto-approval counter")
	}
}

func TestResolveConflictMediationSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Mediator = stubMediator{resolveOnPass: 2, mergedRef: "artifact://merged"}
	a, _ := createTask(t, env, domain.RoleAnalyst, "requirement analysis for checkout", 10)
	b, _ := createTask(t, env, domain.RoleAnalyst, "requirement analysis for payments", 10)

	merged, err := env.Engine.ResolveConflict(env.Ctx, engine.ConflictOptions{
		ProjectID:   "proj-1",
		ArtifactRef: "artifact://spec",
		TaskA:       a.ID,
		TaskB:       b.ID,
		OutputA:     "version A",
		OutputB:     "version B",
		ActorID:     "orchestrator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if merged != "artifact://merged" {
		t.Fatalf("expected merged ref, got %q", merged)
	}
}

func TestResolveConflictEscalatesAfterPasses(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Mediator = stubMediator{}
	a, _ := createTask(t, env, domain.RoleAnalyst, "requirement analysis for checkout", 10)
	b, _ := createTask(t, env, domain.RoleAnalyst, "requirement analysis for payments", 10)

	_, err := env.Engine.ResolveConflict(env.Ctx, engine.ConflictOptions{
		ProjectID:   "proj-1",
		ArtifactRef: "artifact://spec",
		TaskA:       a.ID,
		TaskB:       b.ID,
		OutputA:     "version A",
		OutputB:     "version B",
		ActorID:     "orchestrator",
	})
	var cu engine.ConflictUnresolvedError
	if !errors.As(err, &cu) {
		t.Fatalf("expected unresolved conflict, got %v", err)
	}
	req, err := env.Engine.Repo.GetApproval(env.Ctx, cu.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if req.RequestType != domain.RequestEscalation || req.Status != domain.ApprovalPending {
		t.Fatalf("expected pending escalation, got %+v", req)
	}
}

func TestRecoverPendingExpiresOverdue(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SetHitlCounter(env.Ctx, "proj-1", 0, "tester"); err != nil {
		t.Fatal(err)
	}
	task, req := createTask(t, env, domain.RoleAnalyst, "requirement analysis", 10)

	// simulate a restart after the approval window elapsed
	late := env.Engine
	late.Now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := late.RecoverPending(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired request, got %d", n)
	}
	got, err := env.Engine.Repo.GetApproval(env.Ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	tk, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != domain.TaskFailed {
		t.Fatalf("owning task should fail, got %s", tk.Status)
	}
	b, err := env.Engine.BudgetStatus(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.ReservedUnits != 0 {
		t.Fatalf("reservation should be released on recovery: %+v", b)
	}
}

func TestAdvancePhaseBlocksOnOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	task, _ := createTask(t, env, domain.RoleAnalyst, "stakeholder research", 10)
	if _, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester"); err == nil {
		t.Fatalf("expected advance to block on the open task")
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != domain.PhasePlan {
		t.Fatalf("expected plan, got %s", p.Phase)
	}
}

func TestAdvancePastLaunchCompletesProject(t *testing.T) {
	env := newTestEnv(t)
	advanceTo(t, env, domain.PhaseLaunch)
	p, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "completed" {
		t.Fatalf("expected completed project, got %s", p.Status)
	}
	if _, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester"); err == nil {
		t.Fatalf("completed projects must not advance")
	}
}

func TestEveryTransitionIsAudited(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Executor = stubExecutor{resultRef: "artifact://out", unitsUsed: 2}
	task, _ := createTask(t, env, domain.RoleAnalyst, "stakeholder research", 10)
	if _, err := env.Engine.RunTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	for _, evtType := range []string{
		"task.created",
		"approval.request.created",
		"approval.request.resolved",
		"budget.reserved",
		"budget.committed",
		"task.status.changed",
	} {
		n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", evtType)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			t.Fatalf("expected at least one %s event", evtType)
		}
	}
}

func advanceTo(t *testing.T, env testEnv, target domain.Phase) {
	t.Helper()
	for i := 0; i < len(domain.Phases); i++ {
		p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
		if err != nil {
			t.Fatal(err)
		}
		if p.Phase == target {
			return
		}
		if _, err := env.Engine.AdvancePhase(env.Ctx, "proj-1", "tester"); err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
	}
	t.Fatalf("never reached %s", target)
}
