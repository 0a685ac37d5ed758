package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types emitted by the engine. Every state transition appends
// exactly one row inside the transaction that performs the transition.
const (
	TypeProjectInit        = "project.init"
	TypeProjectUpdated     = "project.updated"
	TypePhaseAdvanced      = "phase.advanced"
	TypeTaskCreated        = "task.created"
	TypeTaskStatusChanged  = "task.status.changed"
	TypeTaskConflict       = "task.conflict.escalated"
	TypeApprovalCreated    = "approval.request.created"
	TypeApprovalResolved   = "approval.request.resolved"
	TypeHitlUpdated        = "hitl.settings.updated"
	TypeHitlThreshold      = "hitl.threshold.reached"
	TypeBudgetReserved     = "budget.reserved"
	TypeBudgetCommitted    = "budget.committed"
	TypeBudgetReleased     = "budget.released"
	TypeBudgetThreshold    = "budget.threshold.reached"
	TypeEmergencyStop      = "emergency.stop.triggered"
	TypeEmergencyStopClear = "emergency.stop.cleared"
	TypePolicyOverride     = "policy.override"
	TypeAPIKeyCreated      = "apikey.created"
	TypeAPIKeyRevoked      = "apikey.revoked"
)

// Writer appends audit rows inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
