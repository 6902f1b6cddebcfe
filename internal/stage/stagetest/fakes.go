// Package stagetest provides in-memory collaborators for exercising the
// pipeline stages and engine without external tools.
package stagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/provision"
	"github.com/lucasnoah/infrafactory/internal/stage"
)

// --- Planner ---

// Planner returns a fixed draft.
type Planner struct {
	mu     sync.Mutex
	Result *stage.PlanDraft
	Err    error
	Calls  int
}

// Draft implements stage.Planner. The draft is deep-copied so callers can
// reuse it across runs.
func (p *Planner) Draft(_ context.Context, _ contract.Request) (*stage.PlanDraft, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		return nil, nil
	}
	d := *p.Result
	d.Requirements = append([]contract.Requirement(nil), p.Result.Requirements...)
	d.AcceptanceCriteria = append([]contract.AcceptanceCriterion(nil), p.Result.AcceptanceCriteria...)
	d.FileTargets = append([]contract.FileTarget(nil), p.Result.FileTargets...)
	return &d, nil
}

// SimpleDraft is a one-requirement, one-file draft.
func SimpleDraft() *stage.PlanDraft {
	return &stage.PlanDraft{
		Summary: "Add a redis cache",
		Requirements: []contract.Requirement{
			{Description: "redis runs in the cluster", Kind: contract.RequirementFunctional, Priority: contract.PriorityHigh},
		},
		AcceptanceCriteria: []contract.AcceptanceCriterion{
			{Description: "pod is running", Check: "kubectl get pods -l app=redis -o jsonpath='{.items[0].status.phase}'", Expected: "Running"},
		},
		FileTargets: []contract.FileTarget{
			{Path: "k8s/redis.yaml", Kind: contract.KindKubernetes, Operation: contract.OpCreate, Resource: "redis", Description: "redis deployment"},
		},
	}
}

// --- Generator ---

// Generator returns "<path> v<n>" style content unless Content overrides it.
type Generator struct {
	mu       sync.Mutex
	Content  map[string]string
	Err      error
	Requests []stage.GenerateRequest
}

// Generate implements stage.ContentGenerator.
func (g *Generator) Generate(_ context.Context, req stage.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Requests = append(g.Requests, req)
	if g.Err != nil {
		return "", g.Err
	}
	if c, ok := g.Content[req.Target.Path]; ok {
		return c, nil
	}
	return fmt.Sprintf("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: %s\ndata:\n  attempt: \"%d\"\n", req.Target.Resource, len(g.Requests)), nil
}

// --- Repository ---

// Repo records branches and commits in memory.
type Repo struct {
	mu        sync.Mutex
	Root      string
	Branches  map[string]bool
	Commits   [][]contract.CodeChange
	NoRemote  bool
	BranchErr error
	CommitErr error
	PushErr   error
	Pushes    int
	lastSHA   string
}

// Dir implements stage.Repository.
func (r *Repo) Dir() string { return r.Root }

// EnsureBranch implements stage.Repository.
func (r *Repo) EnsureBranch(branch, _ string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BranchErr != nil {
		return "", false, r.BranchErr
	}
	if r.Branches == nil {
		r.Branches = map[string]bool{}
	}
	existed := r.Branches[branch]
	r.Branches[branch] = true
	return branch, existed, nil
}

// CommitChanges implements stage.Repository.
func (r *Repo) CommitChanges(changes []contract.CodeChange, _ string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CommitErr != nil {
		return "", false, r.CommitErr
	}
	r.Commits = append(r.Commits, changes)
	r.lastSHA = fmt.Sprintf("%040d", len(r.Commits))
	return r.lastSHA, true, nil
}

// Push implements stage.Repository.
func (r *Repo) Push(_ context.Context, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.PushErr != nil {
		return false, r.PushErr
	}
	if r.NoRemote {
		return false, nil
	}
	r.Pushes++
	return true, nil
}

// --- Pull requests ---

// PRs keeps one pull request per branch.
type PRs struct {
	mu      sync.Mutex
	ByHead  map[string]*contract.PullRequest
	Opened  int
	FindErr error
	OpenErr error
}

// FindPullRequest implements stage.PullRequests.
func (p *PRs) FindPullRequest(_ context.Context, branch string) (*contract.PullRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FindErr != nil {
		return nil, p.FindErr
	}
	return p.ByHead[branch], nil
}

// OpenPullRequest implements stage.PullRequests.
func (p *PRs) OpenPullRequest(_ context.Context, title, _, head, base string) (*contract.PullRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.ByHead == nil {
		p.ByHead = map[string]*contract.PullRequest{}
	}
	p.Opened++
	pr := &contract.PullRequest{
		Number:       100 + p.Opened,
		URL:          fmt.Sprintf("https://github.example/acme/infra/pull/%d", 100+p.Opened),
		Title:        title,
		SourceBranch: head,
		TargetBranch: base,
		State:        contract.PROpen,
	}
	p.ByHead[head] = pr
	return pr, nil
}

// --- Validators ---

// Validator returns scripted findings: call n gets Script[n] (the last
// entry repeats). Err makes every call fail.
type Validator struct {
	mu     sync.Mutex
	ID     string
	Script [][]contract.Finding
	Err    error
	Calls  int
}

// Name implements stage.Validator.
func (v *Validator) Name() string { return v.ID }

// Validate implements stage.Validator.
func (v *Validator) Validate(_ context.Context, _ []contract.CodeChange) ([]contract.Finding, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.Calls
	v.Calls++
	if v.Err != nil {
		return nil, v.Err
	}
	if len(v.Script) == 0 {
		return nil, nil
	}
	if n >= len(v.Script) {
		n = len(v.Script) - 1
	}
	return v.Script[n], nil
}

// Blocking builds n blocking findings for path.
func Blocking(n int, path string) []contract.Finding {
	out := make([]contract.Finding, n)
	for i := range out {
		out[i] = contract.Finding{Severity: contract.SeverityBlocking, Path: path, Line: i + 1, Rule: "rule", Message: fmt.Sprintf("problem %d", i+1)}
	}
	return out
}

// Battery returns the four clean review validators.
func Battery() []*Validator {
	return []*Validator{{ID: "lint"}, {ID: "policy"}, {ID: "schema"}, {ID: "secrets"}}
}

// --- Provisioner ---

// Provisioner records applies and reverts by path. A failed apply returns
// PartialRevision[path] as its revision.
type Provisioner struct {
	mu              sync.Mutex
	FailApply       map[string]bool
	FailRevert      map[string]bool
	PartialRevision map[string]string
	Applied         []string
	Reverted        []string
}

// ErrApply is returned for paths in FailApply.
var ErrApply = errors.New("apply failed")

// Apply implements provision.Provisioner.
func (p *Provisioner) Apply(_ context.Context, t provision.Target) (provision.Applied, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailApply[t.File.Path] {
		return provision.Applied{Output: "boom", Revision: p.PartialRevision[t.File.Path]}, ErrApply
	}
	p.Applied = append(p.Applied, t.File.Path)
	return provision.Applied{Output: "applied " + t.File.Path, Revision: string(t.File.Operation)}, nil
}

// Revert implements provision.Provisioner.
func (p *Provisioner) Revert(_ context.Context, t provision.Target, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reverted = append(p.Reverted, t.File.Path)
	if p.FailRevert[t.File.Path] {
		return "", errors.New("revert failed")
	}
	return "reverted " + t.File.Path, nil
}

// --- Checks ---

// Checks returns Values[expr], or Default when the expression is unknown.
type Checks struct {
	mu      sync.Mutex
	Values  map[string]string
	Default string
	Err     error
	Calls   []string
}

// Evaluate implements stage.CheckExecutor.
func (c *Checks) Evaluate(_ context.Context, expr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, expr)
	if c.Err != nil {
		return "", c.Err
	}
	if v, ok := c.Values[expr]; ok {
		return v, nil
	}
	return c.Default, nil
}
