// Package orchestrator is the pipeline engine: the state machine that drives
// one request from routing to a terminal state, persisting after every
// transition so any run can be resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/gate"
	"github.com/lucasnoah/infrafactory/internal/metrics"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
	"github.com/lucasnoah/infrafactory/internal/retry"
	"github.com/lucasnoah/infrafactory/internal/router"
	"github.com/lucasnoah/infrafactory/internal/stage"
)

// ErrCorruptState is returned when a persisted pipeline fails its integrity
// check on resume. The pipeline is moved to errored.
var ErrCorruptState = errors.New("corrupt pipeline state")

// ErrNotSuspended is returned by Decide when the pipeline is not waiting at
// the named gate.
var ErrNotSuspended = errors.New("pipeline is not waiting at that gate")

// Policy is the engine's explicit configuration.
type Policy struct {
	MaxAttempts    int
	PlanApproval   string
	DeployApproval string
	CostThreshold  float64
	GateExpiry     time.Duration
	Query          collab.Policy
}

// PolicyFromConfig builds a Policy from loaded configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:    cfg.Pipeline.MaxRetries,
		PlanApproval:   cfg.Approval.Plan,
		DeployApproval: cfg.Approval.Deploy,
		CostThreshold:  cfg.Approval.CostThreshold,
		GateExpiry:     cfg.Pipeline.GateExpiry,
		Query:          collab.FromConfig(cfg.Collaborators),
	}
}

// Stages bundles the stage executors. Query may be nil.
type Stages struct {
	Router         *router.Router
	Planning       *stage.Planning
	Implementation *stage.Implementation
	Review         *stage.Review
	Deploy         *stage.Deploy
	Query          stage.QueryHandler
}

// Recorder receives a durable copy of pipeline events. Failures are logged
// and never halt a pipeline.
type Recorder interface {
	LogPipelineEvent(ctx context.Context, id, event, stage string, attempt int, detail string) error
	LogValidatorRuns(ctx context.Context, id string, attempt int, runs []contract.ValidatorRun) error
	LogApproval(ctx context.Context, id string, d contract.ApprovalDecision) error
}

// Notifier is told about every transition.
type Notifier interface {
	Transition(ctx context.Context, ps *pipeline.PipelineState, t pipeline.Transition) error
}

// Options are the optional engine collaborators.
type Options struct {
	// Approver answers required gates. Nil suspends at every required gate.
	Approver gate.Approver
	Recorder Recorder
	Notifier Notifier
	Logger   *zap.Logger
	Progress io.Writer
	Clock    func() time.Time
}

// Engine runs pipelines.
type Engine struct {
	store    *pipeline.Store
	stages   Stages
	policy   Policy
	retry    *retry.Controller
	approver gate.Approver
	recorder Recorder
	notifier Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	log      *zap.Logger
	out      io.Writer
	now      func() time.Time
}

// New creates an Engine.
func New(store *pipeline.Store, stages Stages, policy Policy, opts Options) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 3
	}
	if policy.Query.Timeout == 0 {
		policy.Query = collab.DefaultPolicy()
	}
	e := &Engine{
		store:    store,
		stages:   stages,
		policy:   policy,
		retry:    retry.NewController(policy.MaxAttempts),
		approver: opts.Approver,
		recorder: opts.Recorder,
		notifier: opts.Notifier,
		metrics:  metrics.New(),
		tracer:   otel.Tracer("github.com/lucasnoah/infrafactory/internal/orchestrator"),
		log:      opts.Logger,
		out:      opts.Progress,
		now:      opts.Clock,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.out != nil {
		if stages.Planning != nil {
			stages.Planning.SetProgress(e.out)
		}
		if stages.Implementation != nil {
			stages.Implementation.SetProgress(e.out)
		}
		if stages.Review != nil {
			stages.Review.SetProgress(e.out)
		}
		if stages.Deploy != nil {
			stages.Deploy.SetProgress(e.out)
		}
	}
	return e
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Store returns the artifact store.
func (e *Engine) Store() *pipeline.Store {
	return e.store
}

// Submit validates req, creates its pipeline and runs it until it reaches a
// terminal state or suspends at a gate.
func (e *Engine) Submit(ctx context.Context, req contract.Request) (*pipeline.PipelineState, error) {
	if err := pipeline.ValidateID(req.ID); err != nil {
		return nil, err
	}
	if _, err := contract.ParseEnvironment(string(req.Environment)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("request %s has an empty description", req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = e.now()
	}

	lock, err := e.store.Lock(req.ID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	ps := &pipeline.PipelineState{
		Request:     req,
		Stage:       pipeline.StageStart,
		MaxAttempts: e.policy.MaxAttempts,
		CreatedAt:   e.now(),
	}
	if err := e.store.Create(ps); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	e.record(ctx, ps, "created", "")
	e.log.Info("pipeline created",
		zap.String("request_id", req.ID),
		zap.String("environment", string(req.Environment)),
		zap.Bool("dry_run", req.DryRun),
	)
	return e.run(ctx, ps)
}

// Resume continues a persisted pipeline. A terminal pipeline is returned
// unchanged. A pipeline that fails its integrity check is moved to errored
// and ErrCorruptState is returned.
func (e *Engine) Resume(ctx context.Context, id string) (*pipeline.PipelineState, error) {
	lock, err := e.store.Lock(id)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	ps, err := e.store.Get(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if ps.Stage.Terminal() {
		return ps, nil
	}
	if err := e.verify(ps); err != nil {
		e.log.Error("pipeline failed integrity check", zap.String("request_id", id), zap.Error(err))
		e.errored(ctx, ps, fmt.Errorf("%w: %v", ErrCorruptState, err))
		return ps, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	e.record(ctx, ps, "resumed", "")
	return e.run(ctx, ps)
}

// RecordDecision drops an external decision for a suspended gate without
// resuming the pipeline.
func (e *Engine) RecordDecision(id string, d contract.ApprovalDecision) error {
	ps, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if !ps.Suspended() || ps.PendingGate != d.Gate {
		return fmt.Errorf("%w: %s is at %s", ErrNotSuspended, id, ps.Stage)
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = e.now()
	}
	return e.store.SaveDecision(id, d)
}

// Decide records an external decision and resumes the pipeline.
func (e *Engine) Decide(ctx context.Context, id string, d contract.ApprovalDecision) (*pipeline.PipelineState, error) {
	if err := e.RecordDecision(id, d); err != nil {
		return nil, err
	}
	return e.Resume(ctx, id)
}

// Status reads one pipeline.
func (e *Engine) Status(id string) (*pipeline.PipelineState, error) {
	return e.store.Get(id)
}

// Summary reads the rendered summary.md of a finished pipeline.
func (e *Engine) Summary(id string) (string, error) {
	return e.store.ReadSummary(id)
}

// List reads every pipeline, optionally filtered by stage.
func (e *Engine) List(stageFilter string) ([]pipeline.PipelineState, error) {
	return e.store.List(stageFilter)
}
