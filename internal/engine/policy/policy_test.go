package policy_test

import (
	"strings"
	"testing"

	"gateline/internal/domain"
	"gateline/internal/engine/policy"
)

func TestEvaluateAllowsPhaseRoleWithDeliverable(t *testing.T) {
	g := policy.Gate{}
	res := g.Evaluate(domain.PhaseBuild, domain.RoleDeveloper, "implement the checkout flow", false)
	if res.Decision != policy.Allow {
		t.Fatalf("expected allow, got %s (%s)", res.Decision, res.Hint)
	}
}

func TestEvaluateDeniesRoleOutsidePhase(t *testing.T) {
	g := policy.Gate{}
	res := g.Evaluate(domain.PhaseDiscovery, domain.RoleDeployer, "research deployment targets", false)
	if res.Decision != policy.Deny {
		t.Fatalf("expected deny, got %s", res.Decision)
	}
	if !strings.Contains(res.Hint, "analyst") {
		t.Fatalf("hint should list the allowed roles, got %q", res.Hint)
	}
}

func TestEvaluateOrchestratorAllowedEverywhere(t *testing.T) {
	g := policy.Gate{}
	deliverables := map[domain.Phase]string{
		domain.PhaseDiscovery: "stakeholder research",
		domain.PhasePlan:      "draft the roadmap",
		domain.PhaseDesign:    "review the schema design",
		domain.PhaseBuild:     "coordinate the build",
		domain.PhaseValidate:  "schedule regression runs",
		domain.PhaseLaunch:    "stage the release",
	}
	for phase, instructions := range deliverables {
		res := g.Evaluate(phase, domain.RoleOrchestrator, instructions, false)
		if res.Decision != policy.Allow {
			t.Fatalf("orchestrator denied in %s: %s (%s)", phase, res.Decision, res.Hint)
		}
	}
}

func TestEvaluateAsksForClarification(t *testing.T) {
	g := policy.Gate{}
	res := g.Evaluate(domain.PhaseBuild, domain.RoleDeveloper, "take care of the thing we discussed", false)
	if res.Decision != policy.NeedsClarification {
		t.Fatalf("expected needs_clarification, got %s", res.Decision)
	}
	if !strings.Contains(res.Hint, "implement") {
		t.Fatalf("hint should name expected deliverables, got %q", res.Hint)
	}
}

func TestEvaluateOverrideBypassesGate(t *testing.T) {
	g := policy.Gate{}
	res := g.Evaluate(domain.PhaseDiscovery, domain.RoleDeployer, "anything at all", true)
	if res.Decision != policy.Allow {
		t.Fatalf("override must allow, got %s", res.Decision)
	}
}

func TestKeywordOverridesReplacePhaseTable(t *testing.T) {
	g := policy.Gate{KeywordOverrides: map[string][]string{
		"build": {"ship"},
	}}
	res := g.Evaluate(domain.PhaseBuild, domain.RoleDeveloper, "implement the checkout flow", false)
	if res.Decision != policy.NeedsClarification {
		t.Fatalf("override should replace the built-in keywords, got %s", res.Decision)
	}
	res = g.Evaluate(domain.PhaseBuild, domain.RoleDeveloper, "ship the checkout flow", false)
	if res.Decision != policy.Allow {
		t.Fatalf("expected allow with custom keyword, got %s (%s)", res.Decision, res.Hint)
	}
	// other phases keep the built-in table
	res = g.Evaluate(domain.PhaseValidate, domain.RoleTester, "run the regression suite", false)
	if res.Decision != policy.Allow {
		t.Fatalf("untouched phase should keep defaults, got %s", res.Decision)
	}
}

func TestKeywordMatchIsCaseInsensitive(t *testing.T) {
	g := policy.Gate{}
	res := g.Evaluate(domain.PhaseLaunch, domain.RoleDeployer, "DEPLOY to production", false)
	if res.Decision != policy.Allow {
		t.Fatalf("expected case-insensitive match, got %s", res.Decision)
	}
}
