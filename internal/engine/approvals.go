package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/events"
)

// DecisionOutcome is returned from RecordDecision. Applied is false when
// the request was already terminal; Request then carries the decision
// that actually won, for display to the late caller.
type DecisionOutcome struct {
	Request domain.ApprovalRequest
	Applied bool
}

// createApproval records a new approval request for a task, consulting
// the HITL counter first: when auto-approval applies the request is
// created and resolved as approved in one transaction, still audited,
// with no human wait. Callers must not hold the project lock.
func (e Engine) createApproval(ctx context.Context, task domain.Task, requestType, payloadJSON, actorID string) (domain.ApprovalRequest, error) {
	expirySecs := 3600
	if e.Config != nil && e.Config.Hitl.ApprovalExpirySecs > 0 {
		expirySecs = e.Config.Hitl.ApprovalExpirySecs
	}
	if requestType == domain.RequestEscalation && e.Config != nil && e.Config.Hitl.EscalationExpirySecs > 0 {
		expirySecs = e.Config.Hitl.EscalationExpirySecs
	}

	unlock := e.locks.lock(task.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	// Escalations always demand a human; everything else may consume an
	// auto-approval from the counter.
	consume := ConsumeResult{}
	if requestType != domain.RequestEscalation {
		consume, err = e.consumeOneTx(ctx, tx, task.ProjectID, actorID)
		if err != nil {
			return domain.ApprovalRequest{}, err
		}
	}

	now := e.now().UTC()
	req := domain.ApprovalRequest{
		ID:          uuid.New().String(),
		TaskID:      task.ID,
		ProjectID:   task.ProjectID,
		RequestType: requestType,
		Status:      domain.ApprovalPending,
		PayloadJSON: payloadJSON,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(time.Duration(expirySecs) * time.Second).Format(time.RFC3339),
	}
	if consume.AutoApproved {
		nowStr := req.CreatedAt
		req.Status = domain.ApprovalApproved
		req.DecidedBy = optionalString("auto-approval")
		req.DecidedAt = &nowStr
		if consume.Disabled {
			req.Comment = "auto-approved; approvals disabled"
		} else {
			req.Comment = fmt.Sprintf("auto-approved; %d auto-approvals remaining", consume.Remaining)
		}
	}
	if err := e.Repo.InsertApprovalTx(ctx, tx, req); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeApprovalCreated, req.ProjectID, "approval_request", req.ID, actorID, events.EventPayload{
		"task_id":      req.TaskID,
		"request_type": req.RequestType,
		"status":       req.Status,
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if consume.AutoApproved {
		if err := e.Events.Append(ctx, tx, events.TypeApprovalResolved, req.ProjectID, "approval_request", req.ID, "auto-approval", events.EventPayload{
			"task_id": req.TaskID,
			"outcome": req.Status,
		}); err != nil {
			return domain.ApprovalRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

// AwaitDecision suspends the caller until the request reaches a terminal
// state or the timeout elapses. On timeout the engine itself expires the
// request. This is the engine's single suspension point; the wakeup can
// come from a human decision, an emergency stop or the timer, and the
// outcome is whatever write won in the database.
func (e Engine) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (domain.ApprovalRequest, error) {
	req, err := e.Repo.GetApproval(ctx, requestID)
	if err != nil {
		return req, err
	}
	if domain.ApprovalTerminal(req.Status) {
		return req, nil
	}

	ch := e.waiters.register(req.ProjectID, req.ID)
	defer e.waiters.unregister(req.ProjectID, req.ID, ch)

	// Re-read after registering: a decision may have landed in between.
	req, err = e.Repo.GetApproval(ctx, requestID)
	if err != nil {
		return req, err
	}
	if domain.ApprovalTerminal(req.Status) {
		return req, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ch:
			req, err = e.Repo.GetApproval(ctx, requestID)
			if err != nil {
				return req, err
			}
			if domain.ApprovalTerminal(req.Status) {
				return req, nil
			}
		case <-timer.C:
			return e.expireApproval(ctx, requestID)
		case <-ctx.Done():
			return req, ctx.Err()
		}
	}
}

// RecordDecision is the only way a human decision reaches the state
// machine. A decision against an already-terminal request is a no-op, not
// an error: the recorded outcome is returned so the caller can display it.
func (e Engine) RecordDecision(ctx context.Context, requestID, action, payloadJSON, comment, actorID string) (DecisionOutcome, error) {
	var status string
	switch action {
	case "approve":
		status = domain.ApprovalApproved
	case "reject":
		status = domain.ApprovalRejected
	case "amend":
		if payloadJSON == "" {
			return DecisionOutcome{}, fmt.Errorf("amend requires replacement content")
		}
		status = domain.ApprovalAmended
	default:
		return DecisionOutcome{}, fmt.Errorf("invalid decision action %q", action)
	}
	if actorID == "" {
		return DecisionOutcome{}, fmt.Errorf("actor required for a decision")
	}
	req, applied, err := e.resolveApproval(ctx, requestID, status, payloadJSON, comment, actorID)
	if err != nil {
		return DecisionOutcome{}, err
	}
	return DecisionOutcome{Request: req, Applied: applied}, nil
}

// resolveApproval writes a terminal state onto a pending request. The
// first write wins; later calls leave the row untouched and report the
// committed outcome.
func (e Engine) resolveApproval(ctx context.Context, requestID, status, payloadJSON, comment, actorID string) (domain.ApprovalRequest, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	changed, err := e.Repo.ResolveApprovalTx(ctx, tx, requestID, status, payloadJSON, comment, actorID, now)
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	if !changed {
		// Already terminal; report what was recorded. The re-read has to
		// ride this transaction: the pool is capped at one connection and
		// a plain DB read would block on it forever.
		req, err := e.Repo.GetApprovalTx(ctx, tx, requestID)
		return req, false, err
	}
	req, err := e.Repo.GetApprovalTx(ctx, tx, requestID)
	if err != nil {
		return req, false, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeApprovalResolved, req.ProjectID, "approval_request", req.ID, actorID, events.EventPayload{
		"task_id": req.TaskID,
		"outcome": req.Status,
		"comment": req.Comment,
	}); err != nil {
		return req, false, err
	}
	if err := tx.Commit(); err != nil {
		return req, false, err
	}
	e.waiters.notifyRequest(requestID)
	return req, true, nil
}

func (e Engine) expireApproval(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	req, _, err := e.resolveApproval(ctx, requestID, domain.ApprovalExpired, "", "approval window elapsed", "system")
	return req, err
}

// PendingApprovals lists non-terminal requests, optionally per project.
func (e Engine) PendingApprovals(ctx context.Context, projectID string) ([]domain.ApprovalRequest, error) {
	return e.Repo.ListPendingApprovals(ctx, projectID)
}
