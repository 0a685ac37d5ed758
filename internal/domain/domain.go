package domain

// Phase is one sequential stage of the project lifecycle.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhasePlan      Phase = "plan"
	PhaseDesign    Phase = "design"
	PhaseBuild     Phase = "build"
	PhaseValidate  Phase = "validate"
	PhaseLaunch    Phase = "launch"
)

// Phases lists all lifecycle phases in order. Advancement is strictly
// sequential; there is no skipping.
var Phases = []Phase{PhaseDiscovery, PhasePlan, PhaseDesign, PhaseBuild, PhaseValidate, PhaseLaunch}

// Next returns the phase that follows p, or "" when p is terminal or unknown.
func (p Phase) Next() Phase {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return ""
}

func (p Phase) Valid() bool {
	for _, ph := range Phases {
		if ph == p {
			return true
		}
	}
	return false
}

// AgentRole is the closed set of agent specializations.
type AgentRole string

const (
	RoleAnalyst      AgentRole = "analyst"
	RoleArchitect    AgentRole = "architect"
	RoleDeveloper    AgentRole = "developer"
	RoleTester       AgentRole = "tester"
	RoleDeployer     AgentRole = "deployer"
	RoleOrchestrator AgentRole = "orchestrator"
)

var AgentRoles = []AgentRole{RoleAnalyst, RoleArchitect, RoleDeveloper, RoleTester, RoleDeployer, RoleOrchestrator}

func (r AgentRole) Valid() bool {
	for _, role := range AgentRoles {
		if role == r {
			return true
		}
	}
	return false
}

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Phase       Phase  `json:"phase" enum:"discovery,plan,design,build,validate,launch"`
	Status      string `json:"status" enum:"active,paused,completed,failed"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Task statuses.
const (
	TaskPending            = "pending"
	TaskWorking            = "working"
	TaskWaitingForApproval = "waiting_for_approval"
	TaskCompleted          = "completed"
	TaskFailed             = "failed"
	TaskCancelled          = "cancelled"
)

type Task struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	AgentRole     AgentRole `json:"agent_role" enum:"analyst,architect,developer,tester,deployer,orchestrator"`
	Status        string    `json:"status" enum:"pending,working,waiting_for_approval,completed,failed,cancelled"`
	Instructions  string    `json:"instructions"`
	ContextRefs   []string  `json:"context_refs,omitempty"`
	ResultRef     *string   `json:"result_ref,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
	CompletedAt   *string   `json:"completed_at,omitempty" format:"date-time"`
}

// Approval request types.
const (
	RequestPreExecution     = "pre_execution"
	RequestResponseApproval = "response_approval"
	RequestEscalation       = "escalation"
)

// Approval request statuses. pending is the only non-terminal status.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalAmended  = "amended"
	ApprovalExpired  = "expired"
)

// ApprovalTerminal reports whether status is a terminal approval status.
func ApprovalTerminal(status string) bool {
	return status != ApprovalPending && status != ""
}

type ApprovalRequest struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	ProjectID   string  `json:"project_id"`
	RequestType string  `json:"request_type" enum:"pre_execution,response_approval,escalation"`
	Status      string  `json:"status" enum:"pending,approved,rejected,amended,expired"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	DecidedBy   *string `json:"decided_by,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ExpiresAt   string  `json:"expires_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// HitlSettings is the per-project approval toggle and auto-approval counter.
type HitlSettings struct {
	ProjectID string `json:"project_id"`
	Enabled   bool   `json:"enabled"`
	Counter   int    `json:"counter"`
	Ceiling   int    `json:"ceiling"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// BudgetState is the per-project ledger header. Committed only grows;
// open reservations are tracked as Reservation rows.
type BudgetState struct {
	ProjectID        string  `json:"project_id"`
	LimitUnits       int64   `json:"limit_units"`
	CommittedUnits   int64   `json:"committed_units"`
	EmergencyStopped bool    `json:"emergency_stopped"`
	StopReason       *string `json:"stop_reason,omitempty"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Reservation statuses.
const (
	ReservationOpen      = "open"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

type Reservation struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	TaskID      string    `json:"task_id,omitempty"`
	AgentRole   AgentRole `json:"agent_role"`
	Units       int64     `json:"units"`
	ActualUnits *int64    `json:"actual_units,omitempty"`
	Status      string    `json:"status" enum:"open,committed,released"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	ResolvedAt  *string   `json:"resolved_at,omitempty" format:"date-time"`
}

// BudgetStatus is the derived view returned to callers.
type BudgetStatus struct {
	ProjectID        string `json:"project_id"`
	LimitUnits       int64  `json:"limit_units"`
	ReservedUnits    int64  `json:"reserved_units"`
	CommittedUnits   int64  `json:"committed_units"`
	RemainingUnits   int64  `json:"remaining_units"`
	EmergencyStopped bool   `json:"emergency_stopped"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
