package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/engine/policy"
	"gateline/internal/events"
)

// TaskCreateOptions are parameters for creating a gated task.
type TaskCreateOptions struct {
	ProjectID      string
	AgentRole      domain.AgentRole
	Instructions   string
	ContextRefs    []string
	EstimatedUnits int64
	PolicyOverride bool
	ActorID        string
}

// CreateTask runs the intake sequence: policy gate, budget reservation,
// then the pre-execution approval request. Gate denials and refused
// reservations leave no task behind.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, domain.ApprovalRequest, error) {
	var noReq domain.ApprovalRequest
	if e.Config == nil {
		return domain.Task{}, noReq, errors.New("config not loaded")
	}
	if !opts.AgentRole.Valid() {
		return domain.Task{}, noReq, fmt.Errorf("invalid agent role %q", opts.AgentRole)
	}
	if opts.Instructions == "" {
		return domain.Task{}, noReq, errors.New("instructions are required")
	}
	if opts.EstimatedUnits <= 0 {
		return domain.Task{}, noReq, errors.New("estimated units must be > 0")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, noReq, err
	}
	if p.Status != "active" {
		return domain.Task{}, noReq, fmt.Errorf("project %s is %s; tasks require an active project", p.ID, p.Status)
	}

	verdict := e.gate().Evaluate(p.Phase, opts.AgentRole, opts.Instructions, opts.PolicyOverride)
	switch verdict.Decision {
	case policy.Deny:
		return domain.Task{}, noReq, PolicyDeniedError{
			Phase:        p.Phase,
			Role:         opts.AgentRole,
			AllowedRoles: verdict.AllowedRoles,
			Hint:         verdict.Hint,
		}
	case policy.NeedsClarification:
		return domain.Task{}, noReq, NeedsClarificationError{Phase: p.Phase, Hint: verdict.Hint}
	}

	taskID := uuid.New().String()
	res, err := e.Reserve(ctx, p.ID, taskID, opts.AgentRole, opts.EstimatedUnits, opts.ActorID)
	if err != nil {
		return domain.Task{}, noReq, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:           taskID,
		ProjectID:    p.ID,
		AgentRole:    opts.AgentRole,
		Status:       domain.TaskPending,
		Instructions: opts.Instructions,
		ContextRefs:  opts.ContextRefs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, noReq, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, noReq, err
	}
	if opts.PolicyOverride {
		if err := e.Events.Append(ctx, tx, events.TypePolicyOverride, p.ID, "task", t.ID, opts.ActorID, events.EventPayload{
			"phase":      p.Phase,
			"agent_role": opts.AgentRole,
		}); err != nil {
			return domain.Task{}, noReq, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskCreated, p.ID, "task", t.ID, opts.ActorID, events.EventPayload{
		"agent_role":      opts.AgentRole,
		"status":          t.Status,
		"estimated_units": opts.EstimatedUnits,
	}); err != nil {
		return domain.Task{}, noReq, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, noReq, err
	}

	payload, _ := json.Marshal(map[string]any{"instructions": t.Instructions, "estimated_units": opts.EstimatedUnits})
	req, err := e.createApproval(ctx, t, domain.RequestPreExecution, string(payload), opts.ActorID)
	if err != nil {
		_ = e.ReleaseReservation(ctx, res.ID, opts.ActorID)
		t, _ = e.failTask(ctx, t.ID, fmt.Sprintf("approval request failed: %v", err), opts.ActorID)
		return t, noReq, err
	}
	if req.Status == domain.ApprovalPending {
		t, err = e.setTaskStatus(ctx, t.ID, domain.TaskWaitingForApproval, "", opts.ActorID)
		if err != nil {
			return t, req, err
		}
	}
	return t, req, nil
}

// RunTask drives one task through its full dispatch sequence:
// pre-execution approval, agent execution, response approval, budget
// commit. Within the task everything is strictly sequential; the only
// suspension point is AwaitDecision.
func (e Engine) RunTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	if e.Executor == nil {
		return domain.Task{}, errors.New("executor not configured")
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	switch t.Status {
	case domain.TaskPending, domain.TaskWaitingForApproval:
	default:
		return t, fmt.Errorf("task %s is %s; only pending tasks run", t.ID, t.Status)
	}
	pre, err := e.latestApproval(ctx, t.ID, domain.RequestPreExecution)
	if err != nil {
		return t, err
	}

	outcome, err := e.AwaitDecision(ctx, pre.ID, e.timeoutFor(pre))
	if err != nil {
		return t, err
	}
	switch outcome.Status {
	case domain.ApprovalApproved:
	case domain.ApprovalAmended:
		if t, err = e.applyAmendment(ctx, t, outcome, actorID); err != nil {
			return t, err
		}
	default:
		return e.failGatedTask(ctx, t, fmt.Sprintf("pre-execution approval %s: %s", outcome.Status, outcome.Comment), actorID)
	}

	for {
		if t, err = e.setTaskStatus(ctx, t.ID, domain.TaskWorking, "", actorID); err != nil {
			return t, err
		}
		result, execErr := e.executeWithRetry(ctx, t)
		if execErr != nil {
			return e.failGatedTask(ctx, t, fmt.Sprintf("agent execution failed: %v", execErr), actorID)
		}

		payload, _ := json.Marshal(map[string]any{"result_ref": result.ResultRef, "units_used": result.UnitsUsed})
		resp, err := e.createApproval(ctx, t, domain.RequestResponseApproval, string(payload), actorID)
		if err != nil {
			return e.failGatedTask(ctx, t, fmt.Sprintf("approval request failed: %v", err), actorID)
		}
		if resp.Status == domain.ApprovalPending {
			if t, err = e.setTaskStatus(ctx, t.ID, domain.TaskWaitingForApproval, "", actorID); err != nil {
				return t, err
			}
		}
		outcome, err = e.AwaitDecision(ctx, resp.ID, e.timeoutFor(resp))
		if err != nil {
			return t, err
		}
		switch outcome.Status {
		case domain.ApprovalApproved:
			return e.completeTask(ctx, t, result, actorID)
		case domain.ApprovalAmended:
			// Amended result: substitute instructions and re-dispatch,
			// bounded by the retry counter.
			if t.RetryCount+1 > e.maxBuildRetries() {
				return e.failGatedTask(ctx, t, "amendment retries exhausted", actorID)
			}
			if t, err = e.applyAmendment(ctx, t, outcome, actorID); err != nil {
				return t, err
			}
			if t, err = e.bumpRetry(ctx, t, actorID); err != nil {
				return t, err
			}
		default:
			return e.failGatedTask(ctx, t, fmt.Sprintf("response approval %s: %s", outcome.Status, outcome.Comment), actorID)
		}
	}
}

// CancelTask cancels a non-terminal task, rejecting any pending approval
// and releasing its reservation.
func (e Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	switch t.Status {
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		return t, fmt.Errorf("task %s is already %s", t.ID, t.Status)
	}
	if pending, err := e.Repo.PendingApprovalForTask(ctx, taskID); err == nil {
		if _, _, err := e.resolveApproval(ctx, pending.ID, domain.ApprovalRejected, "", "task cancelled", actorID); err != nil {
			return t, err
		}
	} else if !notFound(err) {
		return t, err
	}
	if err := e.releaseTaskReservation(ctx, taskID, actorID); err != nil {
		return t, err
	}
	return e.setTaskStatus(ctx, taskID, domain.TaskCancelled, "cancelled by "+actorID, actorID)
}

// ReportValidationFailure routes a failed validation back to the build
// phase. The bug-fix loop is bounded: once the task's retry counter
// exceeds the configured maximum, a human escalation request is created
// instead of another automatic pass.
func (e Engine) ReportValidationFailure(ctx context.Context, taskID, reason, actorID string) (domain.Project, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, t.ProjectID)
	if err != nil {
		return p, err
	}
	if p.Phase != domain.PhaseValidate {
		return p, fmt.Errorf("project %s is in %s; validation failures only route back from validate", p.ID, p.Phase)
	}
	if t.RetryCount+1 > e.maxBuildRetries() {
		payload, _ := json.Marshal(map[string]any{
			"reason":      reason,
			"retry_count": t.RetryCount,
		})
		req, err := e.createApproval(ctx, t, domain.RequestEscalation, string(payload), actorID)
		if err != nil {
			return p, err
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return p, err
		}
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, events.TypeTaskConflict, p.ID, "task", t.ID, actorID, events.EventPayload{
			"reason":     "build retries exhausted",
			"request_id": req.ID,
		}); err != nil {
			return p, err
		}
		return p, tx.Commit()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	t.RetryCount++
	t.Status = domain.TaskFailed
	t.FailureReason = optionalString(reason)
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, p.ID, "task", t.ID, actorID, events.EventPayload{
		"to_status": t.Status,
		"reason":    reason,
	}); err != nil {
		return p, err
	}
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, p.ID, domain.PhaseBuild); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseAdvanced, p.ID, "project", p.ID, actorID, events.EventPayload{
		"from":   p.Phase,
		"to":     domain.PhaseBuild,
		"reason": "validation failed",
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Phase = domain.PhaseBuild
	return p, nil
}

// ConflictOptions describes two contradictory outputs for one artifact.
type ConflictOptions struct {
	ProjectID   string
	ArtifactRef string
	TaskA       string
	TaskB       string
	OutputA     string
	OutputB     string
	ActorID     string
}

// ResolveConflict attempts bounded automated mediation, then escalates to
// a human arbiter with both outputs attached.
func (e Engine) ResolveConflict(ctx context.Context, opts ConflictOptions) (string, error) {
	if e.Mediator == nil {
		return "", errors.New("mediator not configured")
	}
	passes := e.Config.Orchestration.MaxMediationPasses
	if passes <= 0 {
		passes = 3
	}
	c := Conflict{
		ProjectID:   opts.ProjectID,
		ArtifactRef: opts.ArtifactRef,
		TaskA:       opts.TaskA,
		TaskB:       opts.TaskB,
		OutputA:     opts.OutputA,
		OutputB:     opts.OutputB,
	}
	for pass := 1; pass <= passes; pass++ {
		c.Pass = pass
		resolution, err := e.Mediator.Mediate(ctx, c)
		if err != nil {
			if err := e.backoff(ctx, pass); err != nil {
				return "", err
			}
			continue
		}
		if resolution.Resolved {
			return resolution.MergedRef, nil
		}
	}

	t, err := e.Repo.GetTask(ctx, opts.TaskA)
	if err != nil {
		return "", err
	}
	payload, _ := json.Marshal(map[string]any{
		"artifact_ref": opts.ArtifactRef,
		"task_a":       opts.TaskA,
		"task_b":       opts.TaskB,
		"output_a":     opts.OutputA,
		"output_b":     opts.OutputB,
	})
	req, err := e.createApproval(ctx, t, domain.RequestEscalation, string(payload), opts.ActorID)
	if err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeTaskConflict, opts.ProjectID, "task", opts.TaskA, opts.ActorID, events.EventPayload{
		"artifact_ref": opts.ArtifactRef,
		"request_id":   req.ID,
		"passes":       passes,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return "", ConflictUnresolvedError{RequestID: req.ID, Passes: passes}
}

// --- internals ---

func (e Engine) maxBuildRetries() int {
	if e.Config != nil && e.Config.Orchestration.MaxBuildRetries > 0 {
		return e.Config.Orchestration.MaxBuildRetries
	}
	return 3
}

func (e Engine) timeoutFor(req domain.ApprovalRequest) time.Duration {
	expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		return time.Hour
	}
	d := expires.Sub(e.now())
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// executeWithRetry delegates to the agent executor, retrying transient
// failures with bounded exponential backoff.
func (e Engine) executeWithRetry(ctx context.Context, t domain.Task) (ExecutionResult, error) {
	attempts := 4
	if e.Config != nil && e.Config.Orchestration.MaxRetryAttempts > 0 {
		attempts = e.Config.Orchestration.MaxRetryAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := e.Executor.Execute(ctx, t)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < attempts {
			if err := e.backoff(ctx, attempt); err != nil {
				return ExecutionResult{}, err
			}
		}
	}
	return ExecutionResult{}, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func (e Engine) backoff(ctx context.Context, attempt int) error {
	base := 2
	if e.Config != nil && e.Config.Orchestration.RetryBackoffSecs > 0 {
		base = e.Config.Orchestration.RetryBackoffSecs
	}
	delay := time.Duration(base) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type amendmentPayload struct {
	Instructions string `json:"instructions"`
}

func (e Engine) applyAmendment(ctx context.Context, t domain.Task, decision domain.ApprovalRequest, actorID string) (domain.Task, error) {
	var p amendmentPayload
	if err := json.Unmarshal([]byte(decision.PayloadJSON), &p); err != nil {
		return t, fmt.Errorf("amendment payload: %w", err)
	}
	if p.Instructions == "" {
		return t, errors.New("amendment carries no replacement instructions")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.Instructions = p.Instructions
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"to_status": t.Status,
		"amended":   true,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) bumpRetry(ctx context.Context, t domain.Task, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t.RetryCount++
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) completeTask(ctx context.Context, t domain.Task, result ExecutionResult, actorID string) (domain.Task, error) {
	if err := e.commitTaskReservation(ctx, t.ID, result.UnitsUsed, actorID); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskCompleted
	t.ResultRef = optionalString(result.ResultRef)
	t.UpdatedAt = now
	t.CompletedAt = &now
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"to_status":  t.Status,
		"result_ref": result.ResultRef,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func (e Engine) failGatedTask(ctx context.Context, t domain.Task, reason, actorID string) (domain.Task, error) {
	if err := e.releaseTaskReservation(ctx, t.ID, actorID); err != nil {
		return t, err
	}
	// An emergency stop may already have failed the task; a woken waiter
	// then just reports the terminal state.
	cur, err := e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return t, err
	}
	switch cur.Status {
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
		return cur, nil
	}
	return e.failTask(ctx, t.ID, reason, actorID)
}

func (e Engine) failTask(ctx context.Context, taskID, reason, actorID string) (domain.Task, error) {
	return e.setTaskStatus(ctx, taskID, domain.TaskFailed, reason, actorID)
}

func (e Engine) setTaskStatus(ctx context.Context, taskID, status, reason, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	from := t.Status
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = status
	t.UpdatedAt = now
	if reason != "" {
		t.FailureReason = &reason
	}
	if status == domain.TaskCompleted {
		t.CompletedAt = &now
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStatusChanged, t.ProjectID, "task", t.ID, actorID, events.EventPayload{
		"from_status": from,
		"to_status":   status,
		"reason":      reason,
	}); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskPending:
		switch newStatus {
		case domain.TaskWorking, domain.TaskWaitingForApproval, domain.TaskFailed, domain.TaskCancelled:
			return nil
		}
	case domain.TaskWorking:
		switch newStatus {
		case domain.TaskWaitingForApproval, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
			return nil
		}
	case domain.TaskWaitingForApproval:
		switch newStatus {
		case domain.TaskWorking, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled:
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) releaseTaskReservation(ctx context.Context, taskID, actorID string) error {
	res, err := e.Repo.OpenReservationForTask(ctx, taskID)
	if err != nil {
		if notFound(err) {
			return nil
		}
		return err
	}
	return e.ReleaseReservation(ctx, res.ID, actorID)
}

func (e Engine) commitTaskReservation(ctx context.Context, taskID string, actualUnits int64, actorID string) error {
	res, err := e.Repo.OpenReservationForTask(ctx, taskID)
	if err != nil {
		if notFound(err) {
			return nil
		}
		return err
	}
	return e.CommitReservation(ctx, res.ID, actualUnits, actorID)
}

func (e Engine) latestApproval(ctx context.Context, taskID, requestType string) (domain.ApprovalRequest, error) {
	all, err := e.Repo.ListApprovalsForTask(ctx, taskID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RequestType == requestType {
			return all[i], nil
		}
	}
	return domain.ApprovalRequest{}, fmt.Errorf("task %s has no %s request", taskID, requestType)
}
