package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/gate"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
	"github.com/lucasnoah/infrafactory/internal/router"
	"github.com/lucasnoah/infrafactory/internal/stage"
	"github.com/lucasnoah/infrafactory/internal/stage/stagetest"
)

var testCollab = collab.Policy{Timeout: 5 * time.Second}

type fakeRecorder struct {
	mu        sync.Mutex
	events    []string
	runs      int
	approvals []contract.ApprovalDecision
}

func (r *fakeRecorder) LogPipelineEvent(_ context.Context, _, event, _ string, _ int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRecorder) LogValidatorRuns(_ context.Context, _ string, _ int, runs []contract.ValidatorRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs += len(runs)
	return nil
}

func (r *fakeRecorder) LogApproval(_ context.Context, _ string, d contract.ApprovalDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, d)
	return nil
}

func (r *fakeRecorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []pipeline.Transition
}

func (n *fakeNotifier) Transition(_ context.Context, _ *pipeline.PipelineState, t pipeline.Transition) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, t)
	return nil
}

type fakeQuery struct {
	answer string
	err    error
}

func (q fakeQuery) Answer(context.Context, contract.Request) (string, error) {
	return q.answer, q.err
}

// approve returns an approver that grants (or rejects) every gate.
func approve(granted bool) gate.Approver {
	return gate.FuncApprover(func(_ context.Context, p gate.Pending) (contract.ApprovalDecision, error) {
		return contract.ApprovalDecision{Granted: granted, Approver: "tester", Note: "via test"}, nil
	})
}

type fixture struct {
	t        *testing.T
	store    *pipeline.Store
	planner  *stagetest.Planner
	gen      *stagetest.Generator
	repo     *stagetest.Repo
	prs      *stagetest.PRs
	vals     []*stagetest.Validator
	prov     *stagetest.Provisioner
	checks   *stagetest.Checks
	query    stage.QueryHandler
	recorder *fakeRecorder
	notifier *fakeNotifier
	policy   Policy
	approver gate.Approver
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:        t,
		store:    pipeline.NewStore(t.TempDir()),
		planner:  &stagetest.Planner{Result: stagetest.SimpleDraft()},
		gen:      &stagetest.Generator{},
		repo:     &stagetest.Repo{Root: t.TempDir()},
		prs:      &stagetest.PRs{},
		vals:     stagetest.Battery(),
		prov:     &stagetest.Provisioner{},
		checks:   &stagetest.Checks{Default: "Running"},
		recorder: &fakeRecorder{},
		notifier: &fakeNotifier{},
		policy: Policy{
			MaxAttempts:    3,
			PlanApproval:   config.ApprovalAuto,
			DeployApproval: config.ApprovalNever,
			Query:          testCollab,
		},
		now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) engine() *Engine {
	battery := make([]stage.Validator, len(f.vals))
	for i, v := range f.vals {
		battery[i] = v
	}
	stages := Stages{
		Router: router.New(nil, testCollab, nil),
		Planning: stage.NewPlanning(f.planner, testCollab, stage.PlanningOptions{
			HighImpactFileCount: 5,
			Restrictive:         map[contract.Environment]bool{contract.EnvPrd: true},
		}, nil),
		Implementation: stage.NewImplementation(stage.ImplementationDeps{
			Generator:    f.gen,
			Repo:         f.repo,
			PRs:          f.prs,
			TargetBranch: map[contract.Environment]string{contract.EnvDev: "develop", contract.EnvPrd: "main"},
			Policy:       testCollab,
		}),
		Review: stage.NewReview(battery, nil, testCollab, f.policy.MaxAttempts, nil),
		Deploy: stage.NewDeploy(f.prov, f.checks, testCollab, config.RollbackAllPrior, nil),
		Query:  f.query,
	}
	f.store.SetClock(f.clock)
	return New(f.store, stages, f.policy, Options{
		Approver: f.approver,
		Recorder: f.recorder,
		Notifier: f.notifier,
		Clock:    f.clock,
	})
}

func request(id string, env contract.Environment) contract.Request {
	return contract.Request{ID: id, Description: "Add a redis cache for the api", Environment: env}
}

func (f *fixture) submit(req contract.Request) *pipeline.PipelineState {
	f.t.Helper()
	ps, err := f.engine().Submit(context.Background(), req)
	if err != nil {
		f.t.Fatalf("Submit: %v", err)
	}
	return ps
}

func (f *fixture) exists(id, name string) bool {
	_, err := os.Stat(f.store.Path(id, name))
	return err == nil
}

func (f *fixture) summary(id string) string {
	f.t.Helper()
	md, err := f.store.ReadSummary(id)
	if err != nil {
		f.t.Fatalf("summary.md: %v", err)
	}
	return md
}
