package policy

import (
	"fmt"
	"sort"
	"strings"

	"gateline/internal/domain"
)

// Decision is the gate verdict for a task request.
type Decision string

const (
	Allow              Decision = "allow"
	Deny               Decision = "deny"
	NeedsClarification Decision = "needs_clarification"
)

// Result carries the verdict plus remediation guidance for callers.
// Deny and NeedsClarification are first-class outcomes, not errors: the
// caller surfaces the hint instead of retrying.
type Result struct {
	Decision     Decision
	AllowedRoles []domain.AgentRole
	Hint         string
}

// phaseRoles is the static authorization table: which agent roles may
// execute work in each lifecycle phase. The orchestrator role is allowed
// everywhere since it coordinates the others.
var phaseRoles = map[domain.Phase][]domain.AgentRole{
	domain.PhaseDiscovery: {domain.RoleAnalyst, domain.RoleOrchestrator},
	domain.PhasePlan:      {domain.RoleAnalyst, domain.RoleArchitect, domain.RoleOrchestrator},
	domain.PhaseDesign:    {domain.RoleArchitect, domain.RoleOrchestrator},
	domain.PhaseBuild:     {domain.RoleDeveloper, domain.RoleOrchestrator},
	domain.PhaseValidate:  {domain.RoleTester, domain.RoleOrchestrator},
	domain.PhaseLaunch:    {domain.RoleDeployer, domain.RoleOrchestrator},
}

// phaseKeywords lists deliverable keywords per phase. Instructions that
// mention none of them come back as NeedsClarification rather than a hard
// deny, so ambiguous free text does not silently block legitimate work.
var phaseKeywords = map[domain.Phase][]string{
	domain.PhaseDiscovery: {"research", "requirement", "analysis", "stakeholder", "discovery", "interview"},
	domain.PhasePlan:      {"plan", "roadmap", "milestone", "backlog", "estimate", "scope"},
	domain.PhaseDesign:    {"design", "architecture", "schema", "interface", "wireframe", "prototype"},
	domain.PhaseBuild:     {"implement", "build", "code", "develop", "fix", "refactor"},
	domain.PhaseValidate:  {"test", "validate", "verify", "qa", "regression", "acceptance"},
	domain.PhaseLaunch:    {"deploy", "release", "launch", "rollout", "publish"},
}

// Gate evaluates task requests against the phase authorization table.
// Keyword overrides (from project config) replace the built-in keyword set
// for the phases they name.
type Gate struct {
	KeywordOverrides map[string][]string
}

// Evaluate maps (phase, role, instructions) to a gate Result. The override
// flag bypasses the gate entirely; it exists for trusted recovery flows and
// the caller must audit its use.
func (g Gate) Evaluate(phase domain.Phase, role domain.AgentRole, instructions string, override bool) Result {
	allowed := phaseRoles[phase]
	if override {
		return Result{Decision: Allow, AllowedRoles: allowed}
	}
	if !roleAllowed(allowed, role) {
		return Result{
			Decision:     Deny,
			AllowedRoles: allowed,
			Hint:         fmt.Sprintf("role %s is not authorized during %s; allowed roles: %s", role, phase, roleList(allowed)),
		}
	}
	if !g.matchesKeyword(phase, instructions) {
		return Result{
			Decision:     NeedsClarification,
			AllowedRoles: allowed,
			Hint:         fmt.Sprintf("instructions do not mention a %s deliverable; expected one of: %s", phase, strings.Join(g.keywordsFor(phase), ", ")),
		}
	}
	return Result{Decision: Allow, AllowedRoles: allowed}
}

func (g Gate) keywordsFor(phase domain.Phase) []string {
	if kws, ok := g.KeywordOverrides[string(phase)]; ok && len(kws) > 0 {
		return kws
	}
	return phaseKeywords[phase]
}

func (g Gate) matchesKeyword(phase domain.Phase, instructions string) bool {
	text := strings.ToLower(instructions)
	for _, kw := range g.keywordsFor(phase) {
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// AllowedRoles returns the authorized roles for a phase.
func AllowedRoles(phase domain.Phase) []domain.AgentRole {
	return phaseRoles[phase]
}

func roleAllowed(allowed []domain.AgentRole, role domain.AgentRole) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

func roleList(roles []domain.AgentRole) string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
