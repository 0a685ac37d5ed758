package engine

import (
	"errors"
	"fmt"

	"gateline/internal/domain"
)

// ReasonEmergencyStop is the decision comment recorded when an emergency
// stop resolves pending approvals.
const ReasonEmergencyStop = "EmergencyStopActive"

// PolicyDeniedError reports a phase/role mismatch. It is a business
// outcome: the caller surfaces the hint, it never retries.
type PolicyDeniedError struct {
	Phase        domain.Phase
	Role         domain.AgentRole
	AllowedRoles []domain.AgentRole
	Hint         string
}

func (e PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Hint)
}

// NeedsClarificationError reports instructions that match no deliverable
// keyword for the current phase. The caller may resubmit refined input.
type NeedsClarificationError struct {
	Phase domain.Phase
	Hint  string
}

func (e NeedsClarificationError) Error() string {
	return fmt.Sprintf("needs clarification: %s", e.Hint)
}

// BudgetExceededError reports a refused reservation. No partial
// reservation is recorded.
type BudgetExceededError struct {
	ProjectID      string
	RequestedUnits int64
	RemainingUnits int64
}

func (e BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for project %s: requested %d units, %d remaining", e.ProjectID, e.RequestedUnits, e.RemainingUnits)
}

// ErrEmergencyStopActive refuses all gated operations until the stop is
// cleared by a human action.
var ErrEmergencyStopActive = errors.New("emergency stop active")

// ConflictUnresolvedError reports that automated mediation was exhausted
// and a human arbiter request was created.
type ConflictUnresolvedError struct {
	RequestID string
	Passes    int
}

func (e ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("conflict unresolved after %d mediation passes; escalated as approval request %s", e.Passes, e.RequestID)
}
