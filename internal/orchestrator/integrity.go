package orchestrator

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
)

// verify checks that a persisted, non-terminal pipeline is internally
// consistent before it is resumed.
func (e *Engine) verify(ps *pipeline.PipelineState) error {
	if ps.Request.ID == "" {
		return errors.New("missing request id")
	}
	if !ps.Stage.Known() {
		return fmt.Errorf("unknown stage %q", ps.Stage)
	}
	if ps.MaxAttempts < 1 {
		return fmt.Errorf("max attempts %d is below 1", ps.MaxAttempts)
	}
	if ps.Attempt < 0 || ps.Attempt > ps.MaxAttempts {
		return fmt.Errorf("attempt %d is outside 0..%d", ps.Attempt, ps.MaxAttempts)
	}

	needPlan, needImpl, needReview := false, false, false
	switch ps.Stage {
	case pipeline.StageGatePlan:
		needPlan = true
	case pipeline.StageImplementation:
		needPlan = true
		if ps.Attempt < 1 {
			return fmt.Errorf("implementation with attempt %d", ps.Attempt)
		}
	case pipeline.StageReview:
		needPlan, needImpl = true, true
	case pipeline.StageGateDeploy, pipeline.StageDeploy:
		needPlan, needImpl, needReview = true, true, true
	}

	if needPlan && ps.Plan == nil {
		return fmt.Errorf("stage %s without a plan", ps.Stage)
	}
	if needImpl && ps.Implementation == nil {
		return fmt.Errorf("stage %s without an implementation", ps.Stage)
	}
	if needReview {
		if ps.Review == nil {
			return fmt.Errorf("stage %s without a review", ps.Stage)
		}
		if ps.Review.Status != contract.ReviewPassed {
			return fmt.Errorf("stage %s after a %s review", ps.Stage, ps.Review.Status)
		}
	}

	if ps.PendingGate != "" {
		want := map[contract.GateID]pipeline.Stage{
			contract.GatePlan:   pipeline.StageGatePlan,
			contract.GateDeploy: pipeline.StageGateDeploy,
		}[ps.PendingGate]
		if want != ps.Stage {
			return fmt.Errorf("pending %s gate at stage %s", ps.PendingGate, ps.Stage)
		}
	}

	if ps.Plan != nil {
		onDisk, err := e.store.LoadPlan(ps.ID())
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if contract.MustDigest(onDisk) != contract.MustDigest(ps.Plan) {
			return errors.New("plan in pipeline.yaml does not match requirements.yaml")
		}
	}
	if ps.Plan != nil && ps.Implementation != nil {
		if ref := contract.MustDigest(ps.Plan); ps.Implementation.PlanRef != ref {
			return fmt.Errorf("implementation references plan %s, have %s", ps.Implementation.PlanRef, ref)
		}
		if ps.Implementation.Attempt > ps.Attempt {
			return fmt.Errorf("implementation attempt %d ahead of counter %d", ps.Implementation.Attempt, ps.Attempt)
		}
	}
	if needReview {
		// Before gate_deploy the review may still belong to the previous attempt.
		if ref := contract.MustDigest(ps.Implementation); ps.Review.ImplementationRef != ref {
			return fmt.Errorf("review references implementation %s, have %s", ps.Review.ImplementationRef, ref)
		}
	}
	return nil
}
