package stage

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/retry"
)

// Review runs the validator battery against an implementation attempt.
type Review struct {
	progress
	validators []Validator
	cost       CostEstimator
	policy     collab.Policy
	maxAttempt int
	log        *zap.Logger
}

// NewReview creates the review stage. validators is the fixed battery,
// run concurrently; maxAttempts feeds the status rule.
func NewReview(validators []Validator, cost CostEstimator, policy collab.Policy, maxAttempts int, log *zap.Logger) *Review {
	if log == nil {
		log = zap.NewNop()
	}
	return &Review{validators: validators, cost: cost, policy: policy, maxAttempt: maxAttempts, log: log}
}

type validatorOutcome struct {
	findings []contract.Finding
	run      contract.ValidatorRun
}

// Run reviews impl. It never mutates impl and never returns collaborator
// errors: a validator that cannot complete becomes a blocking finding.
func (r *Review) Run(ctx context.Context, plan *contract.Plan, impl *contract.ImplementationResult, attempt int) (*contract.ReviewResult, error) {
	if impl == nil {
		return nil, fmt.Errorf("review requires an implementation result")
	}
	implRef, err := contract.Digest(impl)
	if err != nil {
		return nil, err
	}

	// Validators get their own copy of the change set.
	live := append([]contract.CodeChange(nil), impl.Changes...)

	r.logf("attempt %d: running %d validators", attempt, len(r.validators))
	outcomes := make([]validatorOutcome, len(r.validators))
	var g errgroup.Group
	for i, v := range r.validators {
		g.Go(func() error {
			outcomes[i] = r.runValidator(ctx, v, live)
			return nil
		})
	}
	_ = g.Wait()

	var findings []contract.Finding
	runs := make([]contract.ValidatorRun, 0, len(outcomes))
	allRan := true
	for _, o := range outcomes {
		findings = append(findings, o.findings...)
		runs = append(runs, o.run)
		if !o.run.Ran {
			allRan = false
		}
	}
	findings = append(findings, coverageFindings(plan, impl)...)

	result := &contract.ReviewResult{
		RequestID:         impl.RequestID,
		ImplementationRef: implRef,
		Attempt:           attempt,
		Validators:        runs,
	}
	for i := range findings {
		findings[i].ID = contract.SequenceID("FIND", i+1)
		if findings[i].Severity == contract.SeverityBlocking {
			result.BlockingCount++
		} else {
			result.WarningCount++
		}
	}
	result.Findings = findings
	if r.cost != nil {
		result.Cost = r.cost.Estimate(impl.Changes)
	}
	result.Status = retry.Status(result.BlockingCount, allRan, attempt, r.maxAttempt)
	result.CreatedAt = r.clock()

	r.logf("attempt %d: %s (%d blocking, %d warnings)", attempt, result.Status, result.BlockingCount, result.WarningCount)
	r.log.Info("review complete",
		zap.String("request_id", impl.RequestID),
		zap.Int("attempt", attempt),
		zap.String("status", string(result.Status)),
		zap.Int("blocking", result.BlockingCount),
		zap.Int("warnings", result.WarningCount),
	)
	return result, nil
}

func (r *Review) runValidator(ctx context.Context, v Validator, changes []contract.CodeChange) validatorOutcome {
	name := v.Name()
	found, err := collab.Call(ctx, r.policy, "validator "+name, func(ctx context.Context) ([]contract.Finding, error) {
		return v.Validate(ctx, changes)
	})
	if err != nil {
		r.collabFailed("validator_"+name, err)
		return validatorOutcome{
			findings: []contract.Finding{{
				Validator:   name,
				Severity:    contract.SeverityBlocking,
				Rule:        "validator-unavailable",
				Message:     fmt.Sprintf("%s validator did not complete: %v", name, err),
				Remediation: "re-run once the validator is available",
			}},
			run: contract.ValidatorRun{Name: name, Ran: false, Findings: 1, Error: err.Error()},
		}
	}
	out := make([]contract.Finding, len(found))
	for i, f := range found {
		if f.Validator == "" {
			f.Validator = name
		}
		if f.Severity != contract.SeverityWarning {
			f.Severity = contract.SeverityBlocking
		}
		out[i] = f
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Line < out[j].Line
	})
	return validatorOutcome{
		findings: out,
		run:      contract.ValidatorRun{Name: name, Ran: true, Findings: len(out)},
	}
}

// coverageFindings flags planned targets with no generated change and an
// attempt that never reached a commit.
func coverageFindings(plan *contract.Plan, impl *contract.ImplementationResult) []contract.Finding {
	var out []contract.Finding
	if plan != nil {
		for _, t := range plan.FileTargets {
			if impl.ChangeFor(t.Path) == nil {
				out = append(out, contract.Finding{
					Validator:   "coverage",
					Severity:    contract.SeverityBlocking,
					Path:        t.Path,
					Rule:        "missing-change",
					Message:     fmt.Sprintf("planned %s of %s produced no change", t.Operation, t.Path),
					Remediation: "generate content for every planned file target",
				})
			}
		}
	}
	if impl.Commit.SHA == "" {
		msg := "changes were not committed"
		if len(impl.Notes) > 0 {
			msg += ": " + impl.Notes[len(impl.Notes)-1]
		}
		out = append(out, contract.Finding{
			Validator: "coverage",
			Severity:  contract.SeverityBlocking,
			Rule:      "not-committed",
			Message:   msg,
		})
	}
	return out
}
