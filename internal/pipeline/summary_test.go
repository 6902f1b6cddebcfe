package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

func TestRenderSummaryDone(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ps := newState("req-s", contract.EnvPrd)
	ps.Stage = StageDone
	ps.Route = contract.RouteFullPipeline
	ps.Attempt = 2
	ps.Plan = &contract.Plan{
		Summary: "add redis",
		Requirements: []contract.Requirement{
			{ID: "REQ-001", Description: "redis running", Kind: contract.RequirementFunctional, Priority: contract.PriorityHigh},
			{ID: "REQ-002", Description: "encrypted", Kind: contract.RequirementSecurity, Priority: contract.PriorityMedium},
		},
		AcceptanceCriteria: []contract.AcceptanceCriterion{
			{ID: "AC-001", RequirementID: "REQ-001", Description: "pod phase", Check: "true", Expected: "Running"},
			{ID: "AC-002", RequirementID: "REQ-002", Description: "tls on", Check: "true", Expected: "true"},
		},
		Impact: contract.ImpactMedium,
	}
	ps.Implementation = &contract.ImplementationResult{
		Attempt: 2,
		Changes: []contract.CodeChange{{Path: "k8s/redis.yaml", Kind: contract.KindKubernetes, LinesAdded: 10, Summary: "deployment | service"}},
		Commit:  contract.Commit{Branch: "feat/prd/req-s", SHA: "0123456789abcdef", Pushed: true},
		PullRequest: &contract.PullRequest{
			Number: 9, URL: "https://example.test/pull/9", Title: "add redis", TargetBranch: "main",
		},
	}
	ps.Review = &contract.ReviewResult{
		Attempt: 2, Status: contract.ReviewPassed, WarningCount: 1,
		Findings: []contract.Finding{{ID: "FIND-001", Severity: contract.SeverityWarning, Validator: "lint", Path: "k8s/redis.yaml", Line: 3, Message: "no limits"}},
	}
	ps.Deployment = &contract.DeploymentResult{
		Success: true,
		Actions: []contract.DeploymentAction{{Type: contract.ActionKubectlApply, Resource: "redis", Outcome: contract.OutcomeSucceeded}},
		Validations: []contract.ValidationOutcome{
			{CriterionID: "AC-001", Expected: "Running", Actual: "Running", Passed: true},
			{CriterionID: "AC-002", Expected: "true", Actual: "false", Passed: false},
		},
	}
	ps.Approvals = []contract.ApprovalDecision{{Gate: contract.GateDeploy, Granted: true, Approver: "alice", DecidedAt: at}}
	ps.History = []Transition{{From: StageDeploy, To: StageDone, At: at}}

	md := RenderSummary(ps)

	for _, want := range []string{
		"# Change Request req-s",
		"| Status | **done** |",
		"Completed successfully.",
		"- [x] **REQ-001**",
		"- [ ] **REQ-002**",
		"| `k8s/redis.yaml` | kubernetes | +10/-0 | deployment \\| service |",
		"`0123456789ab`",
		"[#9 add redis](https://example.test/pull/9)",
		"| FIND-001 | warning | lint | k8s/redis.yaml:3 | no limits |",
		"| AC-002 | true | false | FAIL |",
		"| deploy | approved | alice |",
		"deploy_validate → done",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("summary missing %q\n%s", want, md)
		}
	}
}

func TestRenderSummaryHalted(t *testing.T) {
	ps := newState("req-h", contract.EnvDev)
	ps.Stage = StageFailed
	ps.Halt = &Halt{Stage: StagePlanning, Kind: HaltUnplannable, Reason: "plan has no file targets"}

	md := RenderSummary(ps)
	if !strings.Contains(md, "Halted at **planning** (unplannable): plan has no file targets") {
		t.Errorf("summary should name the halting stage and reason:\n%s", md)
	}
	if strings.Contains(md, "## Files Changed") {
		t.Error("no implementation section expected without an implementation")
	}
}
