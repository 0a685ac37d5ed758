package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gateline/internal/domain"
	"gateline/internal/events"
)

// Reserve atomically checks the remaining limit and records a reservation.
// Two concurrent reservations for the same project serialize here; their
// combined total can never exceed the limit. An active emergency stop
// fails fast before any check.
func (e Engine) Reserve(ctx context.Context, projectID, taskID string, role domain.AgentRole, units int64, actorID string) (domain.Reservation, error) {
	if units <= 0 {
		return domain.Reservation{}, fmt.Errorf("reservation units must be > 0")
	}
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBudgetStateTx(ctx, tx, projectID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if b.EmergencyStopped {
		return domain.Reservation{}, ErrEmergencyStopActive
	}
	reserved, err := e.Repo.OpenReservedUnitsTx(ctx, tx, projectID)
	if err != nil {
		return domain.Reservation{}, err
	}
	remaining := b.LimitUnits - b.CommittedUnits - reserved
	if units > remaining {
		return domain.Reservation{}, BudgetExceededError{
			ProjectID:      projectID,
			RequestedUnits: units,
			RemainingUnits: remaining,
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	res := domain.Reservation{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		TaskID:    taskID,
		AgentRole: role,
		Units:     units,
		Status:    domain.ReservationOpen,
		CreatedAt: now,
	}
	if err := e.Repo.InsertReservationTx(ctx, tx, res); err != nil {
		return domain.Reservation{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeBudgetReserved, projectID, "reservation", res.ID, actorID, events.EventPayload{
		"task_id":    taskID,
		"agent_role": role,
		"units":      units,
		"remaining":  remaining - units,
	}); err != nil {
		return domain.Reservation{}, err
	}
	if err := e.maybeWarnThresholdTx(ctx, tx, b, reserved, reserved+units, actorID); err != nil {
		return domain.Reservation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// maybeWarnThresholdTx emits budget.threshold.reached when usage crosses
// the configured warn ratio. Crossing, not being above, so the signal
// fires once per crossing.
func (e Engine) maybeWarnThresholdTx(ctx context.Context, tx *sql.Tx, b domain.BudgetState, reservedBefore, reservedAfter int64, actorID string) error {
	if e.Config == nil || e.Config.Budget.WarnThreshold <= 0 || b.LimitUnits == 0 {
		return nil
	}
	threshold := int64(float64(b.LimitUnits) * e.Config.Budget.WarnThreshold)
	before := b.CommittedUnits + reservedBefore
	after := b.CommittedUnits + reservedAfter
	if before < threshold && after >= threshold {
		return e.Events.Append(ctx, tx, events.TypeBudgetThreshold, b.ProjectID, "budget_state", b.ProjectID, actorID, events.EventPayload{
			"threshold_units": threshold,
			"used_units":      after,
			"limit_units":     b.LimitUnits,
		})
	}
	return nil
}

// CommitReservation converts an open reservation into committed usage.
// Committed usage only grows. If the actual usage would overdraw the
// limit, the overdraft is clamped and an emergency stop is raised instead
// of letting remaining go negative.
func (e Engine) CommitReservation(ctx context.Context, reservationID string, actualUnits int64, actorID string) error {
	if actualUnits < 0 {
		return fmt.Errorf("actual units must be >= 0")
	}
	res, err := e.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(res.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.ResolveReservationTx(ctx, tx, reservationID, domain.ReservationCommitted, &actualUnits, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("reservation %s is not open", reservationID)
	}
	b, err := e.Repo.GetBudgetStateTx(ctx, tx, res.ProjectID)
	if err != nil {
		return err
	}
	overdraft := false
	committed := b.CommittedUnits + actualUnits
	if committed > b.LimitUnits {
		committed = b.LimitUnits
		overdraft = true
	}
	b.CommittedUnits = committed
	b.UpdatedAt = now
	if overdraft {
		b.EmergencyStopped = true
		b.StopReason = optionalString("budget overdraft")
	}
	if err := e.Repo.UpsertBudgetStateTx(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeBudgetCommitted, res.ProjectID, "reservation", reservationID, actorID, events.EventPayload{
		"task_id":   res.TaskID,
		"units":     actualUnits,
		"committed": b.CommittedUnits,
		"limit":     b.LimitUnits,
	}); err != nil {
		return err
	}
	if overdraft {
		if err := e.Events.Append(ctx, tx, events.TypeEmergencyStop, res.ProjectID, "budget_state", res.ProjectID, actorID, events.EventPayload{
			"reason": "budget overdraft",
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if overdraft {
		e.waiters.notifyProject(res.ProjectID)
	}
	return nil
}

// ReleaseReservation returns unused reserved units on task failure.
func (e Engine) ReleaseReservation(ctx context.Context, reservationID, actorID string) error {
	res, err := e.Repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(res.ProjectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	ok, err := e.Repo.ResolveReservationTx(ctx, tx, reservationID, domain.ReservationReleased, nil, now)
	if err != nil {
		return err
	}
	if !ok {
		// Already committed or released; release is a no-op then.
		return nil
	}
	if err := e.Events.Append(ctx, tx, events.TypeBudgetReleased, res.ProjectID, "reservation", reservationID, actorID, events.EventPayload{
		"task_id": res.TaskID,
		"units":   res.Units,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// TriggerEmergencyStop halts all further reservations for the project and
// resolves every pending approval request as rejected with reason
// EmergencyStopActive. Outstanding awaitDecision calls wake immediately.
func (e Engine) TriggerEmergencyStop(ctx context.Context, projectID, reason, actorID string) error {
	if reason == "" {
		reason = "manual emergency stop"
	}
	if err := e.markEmergencyStopped(ctx, projectID, reason, actorID); err != nil {
		return err
	}

	// Reject pending approvals outside the ledger tx and lock; each
	// rejection is its own audited transition. The owning task fails here
	// too: there may be no waiter attached to propagate the rejection,
	// and recovery skips terminal requests.
	pending, err := e.Repo.ListPendingApprovals(ctx, projectID)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if _, _, err := e.resolveApproval(ctx, req.ID, domain.ApprovalRejected, "", ReasonEmergencyStop, actorID); err != nil {
			return err
		}
		t, err := e.Repo.GetTask(ctx, req.TaskID)
		if err != nil {
			if notFound(err) {
				continue
			}
			return err
		}
		switch t.Status {
		case domain.TaskPending, domain.TaskWorking, domain.TaskWaitingForApproval:
			if _, err := e.failGatedTask(ctx, t, ReasonEmergencyStop, actorID); err != nil {
				return err
			}
		}
	}
	e.waiters.notifyProject(projectID)
	return nil
}

func (e Engine) markEmergencyStopped(ctx context.Context, projectID, reason, actorID string) error {
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBudgetStateTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	b.EmergencyStopped = true
	b.StopReason = &reason
	b.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertBudgetStateTx(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeEmergencyStop, projectID, "budget_state", projectID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearEmergencyStop re-enables reservations; a human action only.
func (e Engine) ClearEmergencyStop(ctx context.Context, projectID, actorID string) error {
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBudgetStateTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if !b.EmergencyStopped {
		return nil
	}
	b.EmergencyStopped = false
	b.StopReason = nil
	b.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertBudgetStateTx(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeEmergencyStopClear, projectID, "budget_state", projectID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

// BudgetStatus derives the caller-facing ledger view. Remaining excludes
// open reservations, so it is limit minus committed once every
// reservation settles.
func (e Engine) BudgetStatus(ctx context.Context, projectID string) (domain.BudgetStatus, error) {
	b, err := e.Repo.GetBudgetState(ctx, projectID)
	if err != nil {
		return domain.BudgetStatus{}, err
	}
	reserved, err := e.Repo.OpenReservedUnits(ctx, projectID)
	if err != nil {
		return domain.BudgetStatus{}, err
	}
	return domain.BudgetStatus{
		ProjectID:        projectID,
		LimitUnits:       b.LimitUnits,
		ReservedUnits:    reserved,
		CommittedUnits:   b.CommittedUnits,
		RemainingUnits:   b.LimitUnits - b.CommittedUnits - reserved,
		EmergencyStopped: b.EmergencyStopped,
	}, nil
}

// SetBudgetLimit updates the project limit. Lowering it below committed
// usage is refused.
func (e Engine) SetBudgetLimit(ctx context.Context, projectID string, limit int64, actorID string) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	unlock := e.locks.lock(projectID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBudgetStateTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if limit < b.CommittedUnits {
		return fmt.Errorf("limit %d is below committed usage %d", limit, b.CommittedUnits)
	}
	prev := b.LimitUnits
	b.LimitUnits = limit
	b.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertBudgetStateTx(ctx, tx, b); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectUpdated, projectID, "budget_state", projectID, actorID, events.EventPayload{
		"limit_units":      limit,
		"prev_limit_units": prev,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
