package orchestrator

import (
	"strings"
	"testing"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
	"github.com/lucasnoah/infrafactory/internal/stage/stagetest"
)

// TestE2E_Success exercises routing → planning → gate → implementation →
// review → gate → deploy → done with an approver granting the deploy gate.
func TestE2E_Success(t *testing.T) {
	f := newFixture(t)
	f.policy.DeployApproval = "always"
	f.approver = approve(true)

	ps := f.submit(request("req-ok", contract.EnvDev))

	if ps.Stage != pipeline.StageDone {
		t.Fatalf("stage = %s, halt = %+v", ps.Stage, ps.Halt)
	}
	if ps.Route != contract.RouteFullPipeline || ps.Attempt != 1 {
		t.Errorf("route = %s, attempt = %d", ps.Route, ps.Attempt)
	}
	if ps.Implementation == nil || ps.Implementation.PullRequest == nil || ps.Implementation.PullRequest.TargetBranch != "develop" {
		t.Errorf("implementation = %+v", ps.Implementation)
	}
	if ps.Deployment == nil || !ps.Deployment.Success {
		t.Fatalf("deployment = %+v", ps.Deployment)
	}
	if len(f.prov.Applied) != 1 || f.prov.Applied[0] != "k8s/redis.yaml" {
		t.Errorf("applied = %v", f.prov.Applied)
	}

	if len(ps.Approvals) != 1 || ps.Approvals[0].Gate != contract.GateDeploy || !ps.Approvals[0].Granted {
		t.Errorf("approvals = %+v", ps.Approvals)
	}
	stored, err := f.store.Approvals("req-ok")
	if err != nil || len(stored) != 1 {
		t.Errorf("approvals.yaml = %v, %v", stored, err)
	}

	for _, name := range []string{pipeline.FileState, pipeline.FileRequirements, pipeline.FileChanges, pipeline.FileReview, pipeline.FileValidation, pipeline.FileSummary} {
		if !f.exists("req-ok", name) {
			t.Errorf("missing artifact %s", name)
		}
	}
	if md := f.summary("req-ok"); !strings.Contains(md, "Completed successfully.") {
		t.Errorf("summary:\n%s", md)
	}

	if !f.recorder.has("done") || len(f.recorder.approvals) != 1 || f.recorder.runs != 4 {
		t.Errorf("recorder = %+v", f.recorder)
	}
	if len(f.notifier.transitions) != len(ps.History) {
		t.Errorf("notified %d transitions, history has %d", len(f.notifier.transitions), len(ps.History))
	}

	want := []pipeline.Stage{
		pipeline.StageRouting, pipeline.StagePlanning, pipeline.StageGatePlan,
		pipeline.StageImplementation, pipeline.StageReview, pipeline.StageGateDeploy,
		pipeline.StageDeploy, pipeline.StageDone,
	}
	if len(ps.History) != len(want) {
		t.Fatalf("history = %+v", ps.History)
	}
	for i, tr := range ps.History {
		if tr.To != want[i] {
			t.Errorf("history[%d].To = %s, want %s", i, tr.To, want[i])
		}
	}
}

// TestE2E_CheckMismatchRollsBack: a criterion returning the wrong value
// rolls back every applied action and fails the pipeline.
func TestE2E_CheckMismatchRollsBack(t *testing.T) {
	f := newFixture(t)
	f.checks.Default = "CrashLoopBackOff"

	ps := f.submit(request("req-rb", contract.EnvDev))

	if ps.Stage != pipeline.StageFailed {
		t.Fatalf("stage = %s", ps.Stage)
	}
	if ps.Halt == nil || ps.Halt.Kind != pipeline.HaltDeployFailed || ps.Halt.Stage != pipeline.StageDeploy {
		t.Errorf("halt = %+v", ps.Halt)
	}
	d := ps.Deployment
	if d == nil || d.Success || d.Rollback == nil || !d.Rollback.Triggered {
		t.Fatalf("deployment = %+v", d)
	}
	if len(f.prov.Reverted) != 1 || f.prov.Reverted[0] != "k8s/redis.yaml" {
		t.Errorf("reverted = %v", f.prov.Reverted)
	}
	md := f.summary("req-rb")
	if !strings.Contains(md, "Halted at **deploy_validate** (deploy_failed)") {
		t.Errorf("summary should name the halting stage:\n%s", md)
	}
	if !strings.Contains(md, "| AC-001 | Running | CrashLoopBackOff | FAIL |") {
		t.Errorf("summary should carry the failed validation:\n%s", md)
	}
}

// TestE2E_RetryThenPass: two blocking findings on attempt 1, none on
// attempt 2, then on to the deploy gate.
func TestE2E_RetryThenPass(t *testing.T) {
	f := newFixture(t)
	f.vals[0].Script = [][]contract.Finding{stagetest.Blocking(2, "k8s/redis.yaml"), nil}

	ps := f.submit(request("req-retry", contract.EnvDev))

	if ps.Stage != pipeline.StageDone {
		t.Fatalf("stage = %s, halt = %+v", ps.Stage, ps.Halt)
	}
	if ps.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", ps.Attempt)
	}
	if len(f.gen.Requests) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(f.gen.Requests))
	}
	if fb := f.gen.Requests[1].Feedback; len(fb) != 2 {
		t.Errorf("second attempt feedback = %+v, want the 2 blocking findings", fb)
	}
	if f.gen.Requests[1].Current == "" {
		t.Error("second attempt should start from the first attempt's content")
	}

	impls, _ := f.store.Implementations("req-retry")
	reviews, _ := f.store.Reviews("req-retry")
	if len(impls) != 2 || len(reviews) != 2 {
		t.Fatalf("changes.yaml has %d docs, review.yaml %d", len(impls), len(reviews))
	}
	if reviews[0].Status != contract.ReviewNeedsRevision || reviews[1].Status != contract.ReviewPassed {
		t.Errorf("review statuses = %s, %s", reviews[0].Status, reviews[1].Status)
	}
	if f.prs.Opened != 1 {
		t.Errorf("opened %d pull requests, want 1 across attempts", f.prs.Opened)
	}
}

// TestE2E_BlockingAtMaxFails: blocking findings on every attempt exhaust the
// retry budget and nothing is deployed.
func TestE2E_BlockingAtMaxFails(t *testing.T) {
	f := newFixture(t)
	f.vals[1].Script = [][]contract.Finding{stagetest.Blocking(1, "k8s/redis.yaml")}

	ps := f.submit(request("req-max", contract.EnvDev))

	if ps.Stage != pipeline.StageFailed {
		t.Fatalf("stage = %s", ps.Stage)
	}
	if ps.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", ps.Attempt)
	}
	if ps.Halt == nil || ps.Halt.Kind != pipeline.HaltReviewFailed || ps.Halt.Stage != pipeline.StageReview {
		t.Errorf("halt = %+v", ps.Halt)
	}
	if ps.Review.Status != contract.ReviewFailed {
		t.Errorf("final review status = %s", ps.Review.Status)
	}
	if ps.Deployment != nil || len(f.prov.Applied) != 0 || f.exists("req-max", pipeline.FileValidation) {
		t.Error("nothing should be deployed")
	}
	impls, _ := f.store.Implementations("req-max")
	if len(impls) != 3 {
		t.Errorf("implementation attempts = %d, want 3", len(impls))
	}
	if !strings.Contains(f.summary("req-max"), "Halted at **review** (review_failed)") {
		t.Error("summary should name review as the halting stage")
	}
}
