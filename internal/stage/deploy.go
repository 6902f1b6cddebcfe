package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/metrics"
	"github.com/lucasnoah/infrafactory/internal/provision"
)

// Deploy applies a reviewed change set and verifies every acceptance
// criterion, rolling back on failure.
type Deploy struct {
	progress
	prov           provision.Provisioner
	checks         CheckExecutor
	policy         collab.Policy
	rollbackPolicy string
	log            *zap.Logger
}

// NewDeploy creates the deploy stage. rollbackPolicy is config.RollbackAllPrior
// (the default) or config.RollbackFailedOnly.
func NewDeploy(prov provision.Provisioner, checks CheckExecutor, policy collab.Policy, rollbackPolicy string, log *zap.Logger) *Deploy {
	if rollbackPolicy == "" {
		rollbackPolicy = config.RollbackAllPrior
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Deploy{prov: prov, checks: checks, policy: policy, rollbackPolicy: rollbackPolicy, log: log}
}

// applied pairs a deployment action with the target it came from so it can
// be reverted.
type applied struct {
	target provision.Target
	action contract.DeploymentAction
}

// Run deploys impl. Only a passed review may be deployed.
func (d *Deploy) Run(ctx context.Context, req contract.Request, plan *contract.Plan, impl *contract.ImplementationResult, review *contract.ReviewResult) (*contract.DeploymentResult, error) {
	if plan == nil || impl == nil || review == nil {
		return nil, fmt.Errorf("deploy requires a plan, an implementation and a review")
	}
	if review.Status != contract.ReviewPassed {
		return nil, fmt.Errorf("deploy requires a passed review, got %s", review.Status)
	}
	reviewRef, err := contract.Digest(review)
	if err != nil {
		return nil, err
	}

	start := d.clock()
	res := &contract.DeploymentResult{
		RequestID: req.ID,
		ReviewRef: reviewRef,
		DryRun:    req.DryRun,
	}

	if req.DryRun {
		d.dryRun(req, plan, impl, res)
	} else {
		d.deploy(ctx, req, plan, impl, res)
	}

	res.DurationSeconds = d.clock().Sub(start).Seconds()
	res.CreatedAt = d.clock()
	return res, nil
}

// dryRun records what would happen without calling any collaborator.
func (d *Deploy) dryRun(req contract.Request, plan *contract.Plan, impl *contract.ImplementationResult, res *contract.DeploymentResult) {
	for _, ft := range plan.FileTargets {
		t := d.target(req, ft, impl)
		res.Actions = append(res.Actions, contract.DeploymentAction{
			Type:     contract.ActionTypeFor(ft.Kind),
			Resource: t.Resource(),
			Path:     ft.Path,
			Outcome:  contract.OutcomeSucceeded,
			Output:   "dry run: not applied",
			DryRun:   true,
		})
	}
	for _, ac := range plan.AcceptanceCriteria {
		res.Validations = append(res.Validations, contract.ValidationOutcome{
			CriterionID: ac.ID,
			Check:       ac.Check,
			Expected:    ac.Expected,
			Passed:      true,
			DryRun:      true,
		})
	}
	res.Success = true
	res.Summary = fmt.Sprintf("dry run: %d actions and %d checks recorded, nothing applied", len(res.Actions), len(res.Validations))
	d.logf("%s", res.Summary)
}

func (d *Deploy) deploy(ctx context.Context, req contract.Request, plan *contract.Plan, impl *contract.ImplementationResult, res *contract.DeploymentResult) {
	var done []applied
	for _, ft := range plan.FileTargets {
		t := d.target(req, ft, impl)
		action := d.apply(ctx, t)
		res.Actions = append(res.Actions, action)
		if action.Outcome == contract.OutcomeFailed {
			reason := fmt.Sprintf("action %s on %s failed", action.Type, action.Path)
			toRevert := done
			if d.rollbackPolicy == config.RollbackFailedOnly {
				toRevert = []applied{{target: t, action: action}}
			}
			res.Rollback = d.rollback(ctx, reason, toRevert)
			res.Summary = fmt.Sprintf("%s; %s", reason, rollbackSummary(res.Rollback))
			return
		}
		done = append(done, applied{target: t, action: action})
	}

	passed := 0
	for _, ac := range plan.AcceptanceCriteria {
		v := d.validate(ctx, ac)
		if v.Passed {
			passed++
		}
		res.Validations = append(res.Validations, v)
	}
	if passed < len(plan.AcceptanceCriteria) {
		reason := fmt.Sprintf("%d of %d acceptance criteria failed", len(plan.AcceptanceCriteria)-passed, len(plan.AcceptanceCriteria))
		res.Rollback = d.rollback(ctx, reason, done)
		res.Summary = fmt.Sprintf("%s; %s", reason, rollbackSummary(res.Rollback))
		return
	}

	res.Success = true
	res.Summary = fmt.Sprintf("%d actions applied, %d/%d acceptance criteria passed", len(res.Actions), passed, len(plan.AcceptanceCriteria))
	d.logf("%s", res.Summary)
}

func (d *Deploy) target(req contract.Request, ft contract.FileTarget, impl *contract.ImplementationResult) provision.Target {
	return provision.Target{
		RequestID:   req.ID,
		Environment: req.Environment,
		File:        ft,
		Change:      impl.ChangeFor(ft.Path),
	}
}

func (d *Deploy) apply(ctx context.Context, t provision.Target) contract.DeploymentAction {
	action := contract.DeploymentAction{
		Type:     contract.ActionTypeFor(t.File.Kind),
		Resource: t.Resource(),
		Path:     t.File.Path,
	}
	d.logf("applying %s (%s)", t.File.Path, action.Type)
	began := time.Now()
	var out provision.Applied
	err := collab.Do(ctx, d.policy, "provisioner", func(ctx context.Context) error {
		var err error
		out, err = d.prov.Apply(ctx, t)
		return err
	})
	action.DurationSeconds = time.Since(began).Seconds()
	action.Output = out.Output
	if err != nil {
		d.collabFailed("provisioner", err)
		action.Outcome = contract.OutcomeFailed
		action.Output = strings.TrimSpace(action.Output + "\n" + err.Error())
		action.Revision = out.Revision
		return action
	}
	action.Outcome = contract.OutcomeSucceeded
	action.Revision = out.Revision
	return action
}

func (d *Deploy) validate(ctx context.Context, ac contract.AcceptanceCriterion) contract.ValidationOutcome {
	v := contract.ValidationOutcome{
		CriterionID: ac.ID,
		Check:       ac.Check,
		Expected:    strings.TrimSpace(ac.Expected),
	}
	if d.checks == nil {
		v.Error = "no check executor configured"
		return v
	}
	actual, err := collab.Call(ctx, d.policy, "check", func(ctx context.Context) (string, error) {
		return d.checks.Evaluate(ctx, ac.Check)
	})
	v.Actual = strings.TrimSpace(actual)
	if err != nil {
		d.collabFailed("check", err)
		v.Error = err.Error()
		return v
	}
	v.Passed = v.Actual == v.Expected
	d.logf("%s: expected %q, got %q", ac.ID, v.Expected, v.Actual)
	return v
}

// rollback reverts actions in reverse order. It is best effort: every
// revert is attempted once and failures are recorded, never retried.
func (d *Deploy) rollback(ctx context.Context, reason string, actions []applied) *contract.RollbackInfo {
	info := &contract.RollbackInfo{Triggered: true, Reason: reason, Succeeded: true}
	d.logf("rolling back %d actions: %s", len(actions), reason)
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		rev := contract.DeploymentAction{
			Type:     a.action.Type,
			Resource: a.action.Resource,
			Path:     a.action.Path,
			Revision: a.action.Revision,
		}
		// A failed apply without a revision changed nothing Revert can name.
		if a.action.Outcome == contract.OutcomeFailed && a.action.Revision == "" {
			rev.Outcome = contract.OutcomeSkipped
			rev.Output = "no revision returned by the failed apply; left as is"
			info.Actions = append(info.Actions, rev)
			continue
		}
		began := time.Now()
		out, err := collab.Call(ctx, d.policy.NoRetry(), "provisioner", func(ctx context.Context) (string, error) {
			return d.prov.Revert(ctx, a.target, a.action.Revision)
		})
		rev.DurationSeconds = time.Since(began).Seconds()
		rev.Output = out
		if err != nil {
			rev.Outcome = contract.OutcomeFailed
			rev.Output = strings.TrimSpace(out + "\n" + err.Error())
			info.Succeeded = false
		} else {
			rev.Outcome = contract.OutcomeSucceeded
		}
		info.Actions = append(info.Actions, rev)
	}

	result := "succeeded"
	if !info.Succeeded {
		result = "failed"
	}
	metrics.New().RollbacksTotal.WithLabelValues(result).Inc()
	d.log.Warn("deployment rolled back",
		zap.String("reason", reason),
		zap.Int("actions", len(info.Actions)),
		zap.Bool("succeeded", info.Succeeded),
	)
	return info
}

func rollbackSummary(r *contract.RollbackInfo) string {
	if r == nil || len(r.Actions) == 0 {
		return "nothing to roll back"
	}
	skipped := 0
	for _, a := range r.Actions {
		if a.Outcome == contract.OutcomeSkipped {
			skipped++
		}
	}
	if r.Succeeded {
		if skipped > 0 {
			return fmt.Sprintf("rolled back %d actions, %d skipped as irreversible", len(r.Actions)-skipped, skipped)
		}
		return fmt.Sprintf("rolled back %d actions", len(r.Actions))
	}
	failed := 0
	for _, a := range r.Actions {
		if a.Outcome == contract.OutcomeFailed {
			failed++
		}
	}
	return fmt.Sprintf("rollback incomplete: %d of %d reverts failed", failed, len(r.Actions))
}
