package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/gate"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
	"github.com/lucasnoah/infrafactory/internal/retry"
	"github.com/lucasnoah/infrafactory/internal/stage"
)

// run drives ps until it is terminal or parked at a gate. Only an artifact
// store failure is returned as an error; the pipeline is then errored.
func (e *Engine) run(ctx context.Context, ps *pipeline.PipelineState) (*pipeline.PipelineState, error) {
	for !ps.Stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return ps, err
		}
		current := ps.Stage
		suspended, err := e.step(ctx, ps)
		if err != nil {
			e.errored(ctx, ps, err)
			return ps, err
		}
		if suspended {
			e.logf("suspended at %s gate; approve with `infrafactory approve %s --gate %s`", ps.PendingGate, ps.ID(), ps.PendingGate)
			return ps, nil
		}
		if ps.Stage == current {
			return ps, fmt.Errorf("stage %s did not advance", current)
		}
	}
	e.finish(ctx, ps)
	return ps, nil
}

// step executes the current stage once.
func (e *Engine) step(ctx context.Context, ps *pipeline.PipelineState) (suspended bool, err error) {
	current := ps.Stage
	ctx, span := e.tracer.Start(ctx, "stage."+string(current))
	span.SetAttributes(
		attribute.String("request_id", ps.ID()),
		attribute.String("environment", string(ps.Request.Environment)),
		attribute.Int("attempt", ps.Attempt),
	)
	start := time.Now()
	defer func() {
		e.metrics.StageDuration.WithLabelValues(string(current)).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch current {
	case pipeline.StageStart:
		return false, e.advance(ctx, ps, pipeline.StageRouting, "")
	case pipeline.StageRouting:
		return false, e.route(ctx, ps)
	case pipeline.StagePlanning:
		return false, e.plan(ctx, ps)
	case pipeline.StageGatePlan:
		return e.gate(ctx, ps, contract.GatePlan)
	case pipeline.StageImplementation:
		return false, e.implement(ctx, ps)
	case pipeline.StageReview:
		return false, e.review(ctx, ps)
	case pipeline.StageGateDeploy:
		return e.gate(ctx, ps, contract.GateDeploy)
	case pipeline.StageDeploy:
		return false, e.deploy(ctx, ps)
	}
	return false, fmt.Errorf("%w: unknown stage %q", ErrCorruptState, current)
}

func (e *Engine) route(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Router == nil {
		return errors.New("no router configured")
	}
	d := e.stages.Router.Route(ctx, ps.Request)
	ps.Route = d.Route
	ps.RouteMethod = string(d.Method)
	e.logf("routed to %s (%s)", d.Route, d.Method)

	switch d.Route {
	case contract.RouteFullPipeline:
		return e.advance(ctx, ps, pipeline.StagePlanning, d.Reason)
	case contract.RouteNoop:
		ps.Answer = "No infrastructure change was requested."
		return e.advance(ctx, ps, pipeline.StageDone, "conversational request")
	default:
		return e.answer(ctx, ps)
	}
}

// answer serves the read-only direct_query route.
func (e *Engine) answer(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Query == nil {
		ps.Answer = "Read-only queries are not handled by this installation."
		return e.advance(ctx, ps, pipeline.StageDone, "direct query")
	}
	answer, err := collab.Call(ctx, e.policy.Query, "query", func(ctx context.Context) (string, error) {
		return e.stages.Query.Answer(ctx, ps.Request)
	})
	if err != nil {
		e.metrics.CollaboratorErrors.WithLabelValues("query").Inc()
		return e.halt(ctx, ps, pipeline.StageFailed, pipeline.HaltError, fmt.Sprintf("query handler unavailable: %v", err))
	}
	ps.Answer = answer
	return e.advance(ctx, ps, pipeline.StageDone, "direct query")
}

func (e *Engine) plan(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Planning == nil {
		return errors.New("no planning stage configured")
	}
	plan, err := e.stages.Planning.Run(ctx, ps.Request)
	if errors.Is(err, stage.ErrUnplannable) {
		return e.halt(ctx, ps, pipeline.StageFailed, pipeline.HaltUnplannable, strings.TrimPrefix(err.Error(), stage.ErrUnplannable.Error()+": "))
	}
	if err != nil {
		e.metrics.CollaboratorErrors.WithLabelValues("planner").Inc()
		return e.halt(ctx, ps, pipeline.StageErrored, pipeline.HaltError, fmt.Sprintf("planner failed: %v", err))
	}
	if err := e.store.SavePlan(ps.ID(), plan); err != nil {
		return err
	}
	ps.Plan = plan
	return e.advance(ctx, ps, pipeline.StageGatePlan,
		fmt.Sprintf("%d requirements, %d files, %s impact", len(plan.Requirements), len(plan.FileTargets), plan.Impact))
}

func (e *Engine) gate(ctx context.Context, ps *pipeline.PipelineState, id contract.GateID) (bool, error) {
	mode, next := e.policy.PlanApproval, pipeline.StageImplementation
	if id == contract.GateDeploy {
		mode, next = e.policy.DeployApproval, pipeline.StageDeploy
	}
	required := gate.Required(id, mode, ps.Plan, ps.Review, e.policy.CostThreshold)

	if required && ps.GateDeadline == nil && e.policy.GateExpiry > 0 {
		deadline := e.now().Add(e.policy.GateExpiry)
		ps.GateDeadline = &deadline
	}
	pending := gate.Pending{
		RequestID:   ps.ID(),
		Description: ps.Request.Description,
		Environment: ps.Request.Environment,
		Gate:        id,
		Plan:        ps.Plan,
		DryRun:      ps.Request.DryRun,
		Deadline:    ps.GateDeadline,
	}
	if id == contract.GateDeploy {
		pending.Review = ps.Review
	}

	// A decision file always wins over the configured approver.
	approver := gate.Chain{gate.DeferredApprover{Source: e.store}, e.approver}
	res, err := gate.Evaluate(ctx, approver, pending, required, e.now())
	if err != nil {
		e.log.Warn("approver failed; gate stays suspended", zap.String("request_id", ps.ID()), zap.Error(err))
	}
	e.metrics.GateDecisionsTotal.WithLabelValues(string(id), string(res.Outcome)).Inc()

	if res.Outcome == gate.OutcomeSuspended {
		first := ps.PendingGate != id
		ps.PendingGate = id
		if err := e.store.Save(ps); err != nil {
			return false, err
		}
		if first {
			e.record(ctx, ps, "suspended", string(id))
			e.notify(ctx, ps, pipeline.Transition{From: ps.Stage, To: ps.Stage, At: e.now(), Note: "awaiting approval"})
		}
		return true, nil
	}

	ps.PendingGate = ""
	ps.GateDeadline = nil
	if err := e.store.ClearDecision(ps.ID(), id); err != nil {
		e.log.Warn("clear decision file", zap.String("request_id", ps.ID()), zap.Error(err))
	}

	if res.Decision != nil {
		ps.Approvals = append(ps.Approvals, *res.Decision)
		if err := e.store.AppendApproval(ps.ID(), *res.Decision); err != nil {
			return false, err
		}
		if e.recorder != nil {
			if err := e.recorder.LogApproval(ctx, ps.ID(), *res.Decision); err != nil {
				e.log.Warn("record approval", zap.String("request_id", ps.ID()), zap.Error(err))
			}
		}
	}

	switch res.Outcome {
	case gate.OutcomeRejected:
		reason := fmt.Sprintf("%s gate rejected by %s", id, res.Decision.Approver)
		if res.Decision.Note != "" {
			reason += ": " + res.Decision.Note
		}
		return false, e.halt(ctx, ps, pipeline.StageCancelled, pipeline.HaltRejected, reason)
	case gate.OutcomeExpired:
		return false, e.halt(ctx, ps, pipeline.StageCancelled, pipeline.HaltExpired, "approval expired")
	case gate.OutcomeApproved:
		if next == pipeline.StageImplementation {
			ps.Attempt = 1
		}
		return false, e.advance(ctx, ps, next, "approved by "+res.Decision.Approver)
	default:
		if next == pipeline.StageImplementation {
			ps.Attempt = 1
		}
		return false, e.advance(ctx, ps, next, "approval not required")
	}
}

func (e *Engine) implement(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Implementation == nil {
		return errors.New("no implementation stage configured")
	}
	if ps.Attempt < 1 {
		ps.Attempt = 1
	}
	var previous *contract.ImplementationResult
	var feedback []contract.Finding
	if ps.Attempt > 1 {
		previous = ps.Implementation
		if ps.Review != nil && ps.Review.Attempt == ps.Attempt-1 {
			feedback = ps.Review.Blocking()
		}
	}

	impl, err := e.stages.Implementation.Run(ctx, ps.Request, ps.Plan, ps.Attempt, previous, feedback)
	if err != nil {
		return e.halt(ctx, ps, pipeline.StageErrored, pipeline.HaltError, fmt.Sprintf("implementation: %v", err))
	}
	if err := e.store.AppendImplementation(ps.ID(), impl); err != nil {
		return err
	}
	ps.Implementation = impl
	return e.advance(ctx, ps, pipeline.StageReview,
		fmt.Sprintf("attempt %d: %d changes", impl.Attempt, len(impl.Changes)))
}

func (e *Engine) review(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Review == nil {
		return errors.New("no review stage configured")
	}
	rev, err := e.stages.Review.Run(ctx, ps.Plan, ps.Implementation, ps.Attempt)
	if err != nil {
		return e.halt(ctx, ps, pipeline.StageErrored, pipeline.HaltError, fmt.Sprintf("review: %v", err))
	}
	if err := e.store.AppendReview(ps.ID(), rev); err != nil {
		return err
	}
	ps.Review = rev
	if e.recorder != nil {
		if err := e.recorder.LogValidatorRuns(ctx, ps.ID(), rev.Attempt, rev.Validators); err != nil {
			e.log.Warn("record validator runs", zap.String("request_id", ps.ID()), zap.Error(err))
		}
	}

	d := e.retry.Next(rev, ps.Attempt)
	switch d.Action {
	case retry.ActionRetry:
		e.metrics.RetriesTotal.Inc()
		ps.Attempt = d.Attempt
		return e.advance(ctx, ps, pipeline.StageImplementation, d.Reason)
	case retry.ActionProceed:
		return e.advance(ctx, ps, pipeline.StageGateDeploy,
			fmt.Sprintf("review passed with %d warnings", rev.WarningCount))
	default:
		return e.halt(ctx, ps, pipeline.StageFailed, pipeline.HaltReviewFailed, d.Reason)
	}
}

func (e *Engine) deploy(ctx context.Context, ps *pipeline.PipelineState) error {
	if e.stages.Deploy == nil {
		return errors.New("no deploy stage configured")
	}
	res, err := e.stages.Deploy.Run(ctx, ps.Request, ps.Plan, ps.Implementation, ps.Review)
	if err != nil {
		return e.halt(ctx, ps, pipeline.StageErrored, pipeline.HaltError, fmt.Sprintf("deploy: %v", err))
	}
	if err := e.store.SaveDeployment(ps.ID(), res); err != nil {
		return err
	}
	ps.Deployment = res
	if !res.Success {
		return e.halt(ctx, ps, pipeline.StageFailed, pipeline.HaltDeployFailed, res.Summary)
	}
	return e.advance(ctx, ps, pipeline.StageDone, res.Summary)
}

// advance records a transition and persists the state before anything else
// observes it.
func (e *Engine) advance(ctx context.Context, ps *pipeline.PipelineState, to pipeline.Stage, note string) error {
	from := ps.Stage
	ps.Transition(to, e.now(), note)
	if err := e.store.Save(ps); err != nil {
		ps.History = ps.History[:len(ps.History)-1]
		ps.Stage = from
		return fmt.Errorf("persist %s → %s: %w", from, to, err)
	}
	e.metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	e.record(ctx, ps, "transition", note)
	e.notify(ctx, ps, ps.History[len(ps.History)-1])

	line := fmt.Sprintf("%s → %s", from, to)
	if note != "" {
		line += ": " + note
	}
	e.logf("%s", line)
	e.log.Debug("transition",
		zap.String("request_id", ps.ID()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", ps.Attempt),
	)
	return nil
}

// halt ends the pipeline in a terminal state, naming the stage that stopped
// it.
func (e *Engine) halt(ctx context.Context, ps *pipeline.PipelineState, to pipeline.Stage, kind pipeline.HaltKind, reason string) error {
	ps.Halt = &pipeline.Halt{Stage: ps.Stage, Kind: kind, Reason: reason}
	return e.advance(ctx, ps, to, reason)
}

// errored is the last resort when the store itself failed or the state is
// corrupt. Writes are best-effort.
func (e *Engine) errored(ctx context.Context, ps *pipeline.PipelineState, cause error) {
	if ps.Stage.Terminal() {
		return
	}
	from := ps.Stage
	ps.Halt = &pipeline.Halt{Stage: from, Kind: pipeline.HaltError, Reason: cause.Error()}
	ps.PendingGate = ""
	ps.Transition(pipeline.StageErrored, e.now(), cause.Error())
	if err := e.store.Save(ps); err != nil {
		e.log.Error("persist errored state", zap.String("request_id", ps.ID()), zap.Error(err))
	}
	e.metrics.TransitionsTotal.WithLabelValues(string(from), string(pipeline.StageErrored)).Inc()
	e.notify(ctx, ps, ps.History[len(ps.History)-1])
	e.finish(ctx, ps)
}

// finish writes summary.md for a terminal pipeline.
func (e *Engine) finish(ctx context.Context, ps *pipeline.PipelineState) {
	e.metrics.TerminalTotal.WithLabelValues(string(ps.Stage)).Inc()
	if err := e.store.WriteSummary(ps.ID(), pipeline.RenderSummary(ps)); err != nil {
		e.log.Error("write summary", zap.String("request_id", ps.ID()), zap.Error(err))
	}
	detail := ""
	if ps.Halt != nil {
		detail = ps.Halt.Reason
	}
	e.record(ctx, ps, string(ps.Stage), detail)

	fields := []zap.Field{
		zap.String("request_id", ps.ID()),
		zap.String("state", string(ps.Stage)),
		zap.Int("attempts", ps.Attempt),
	}
	if ps.Halt != nil {
		fields = append(fields, zap.String("halted_at", string(ps.Halt.Stage)), zap.String("reason", ps.Halt.Reason))
	}
	e.log.Info("pipeline finished", fields...)
}

func (e *Engine) record(ctx context.Context, ps *pipeline.PipelineState, event, detail string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.LogPipelineEvent(ctx, ps.ID(), event, string(ps.Stage), ps.Attempt, detail); err != nil {
		e.log.Warn("record pipeline event", zap.String("request_id", ps.ID()), zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) notify(ctx context.Context, ps *pipeline.PipelineState, t pipeline.Transition) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Transition(ctx, ps, t); err != nil {
		e.log.Warn("notify transition", zap.String("request_id", ps.ID()), zap.Error(err))
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.out != nil {
		fmt.Fprintf(e.out, "  → "+format+"\n", args...)
	}
}
