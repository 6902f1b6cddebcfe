package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
)

// ErrUnplannable means no valid plan can be derived from the request. The
// pipeline halts in failed; it is not an engine error.
var ErrUnplannable = errors.New("request is unplannable")

// PlanningOptions holds the impact rubric inputs.
type PlanningOptions struct {
	HighImpactFileCount int
	Restrictive         map[contract.Environment]bool
}

// Planning turns a request into a validated Plan.
type Planning struct {
	progress
	planner Planner
	policy  collab.Policy
	opts    PlanningOptions
	log     *zap.Logger
}

// NewPlanning creates the planning stage.
func NewPlanning(planner Planner, policy collab.Policy, opts PlanningOptions, log *zap.Logger) *Planning {
	if opts.HighImpactFileCount <= 0 {
		opts.HighImpactFileCount = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Planning{planner: planner, policy: policy, opts: opts, log: log}
}

// Run drafts and validates a plan. A returned error wrapping ErrUnplannable
// is a terminal planning outcome; any other error is a collaborator failure.
func (p *Planning) Run(ctx context.Context, req contract.Request) (*contract.Plan, error) {
	if p.planner == nil {
		return nil, fmt.Errorf("no planner configured")
	}
	p.logf("drafting plan for %s (%s)", req.ID, req.Environment)
	draft, err := collab.Call(ctx, p.policy, "planner", func(ctx context.Context) (*PlanDraft, error) {
		return p.planner.Draft(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, fmt.Errorf("%w: planner returned no draft", ErrUnplannable)
	}

	plan, err := p.build(req, draft)
	if err != nil {
		p.log.Info("request unplannable", zap.String("request_id", req.ID), zap.Error(err))
		return nil, err
	}
	p.logf("plan ready: %d requirements, %d criteria, %d files, impact %s",
		len(plan.Requirements), len(plan.AcceptanceCriteria), len(plan.FileTargets), plan.Impact)
	return plan, nil
}

func (p *Planning) build(req contract.Request, d *PlanDraft) (*contract.Plan, error) {
	unplannable := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrUnplannable, fmt.Sprintf(format, args...))
	}

	if len(d.Requirements) == 0 {
		return nil, unplannable("no requirements could be derived")
	}
	if len(d.FileTargets) == 0 {
		return nil, unplannable("plan has no file targets")
	}

	reqs := make([]contract.Requirement, len(d.Requirements))
	known := map[string]bool{}
	for i, r := range d.Requirements {
		if r.ID == "" {
			r.ID = contract.SequenceID("REQ", i+1)
		}
		if known[r.ID] {
			return nil, unplannable("duplicate requirement id %s", r.ID)
		}
		if strings.TrimSpace(r.Description) == "" {
			return nil, unplannable("requirement %s has no description", r.ID)
		}
		if r.Kind == "" {
			r.Kind = contract.RequirementFunctional
		}
		if r.Priority == "" {
			r.Priority = contract.PriorityMedium
		}
		known[r.ID] = true
		reqs[i] = r
	}

	criteria := make([]contract.AcceptanceCriterion, len(d.AcceptanceCriteria))
	covered := map[string]bool{}
	for i, ac := range d.AcceptanceCriteria {
		if ac.ID == "" {
			ac.ID = contract.SequenceID("AC", i+1)
		}
		// A single-requirement plan may leave the binding implicit.
		if ac.RequirementID == "" && len(reqs) == 1 {
			ac.RequirementID = reqs[0].ID
		}
		if !known[ac.RequirementID] {
			return nil, unplannable("criterion %s references unknown requirement %q", ac.ID, ac.RequirementID)
		}
		ac.Check = strings.TrimSpace(ac.Check)
		if ac.Check == "" {
			return nil, unplannable("criterion %s has an empty check", ac.ID)
		}
		covered[ac.RequirementID] = true
		criteria[i] = ac
	}
	for _, r := range reqs {
		if !covered[r.ID] {
			return nil, unplannable("requirement %s has no acceptance criterion", r.ID)
		}
	}

	targets := make([]contract.FileTarget, len(d.FileTargets))
	seen := map[string]bool{}
	for i, ft := range d.FileTargets {
		ft.Path = strings.TrimSpace(ft.Path)
		if ft.Path == "" {
			return nil, unplannable("file target %d has no path", i+1)
		}
		if seen[ft.Path] {
			return nil, unplannable("file target %s listed twice", ft.Path)
		}
		seen[ft.Path] = true
		switch ft.Kind {
		case contract.KindCloudFormation, contract.KindHelm, contract.KindKubernetes, contract.KindParameter:
		default:
			return nil, unplannable("file target %s has unknown kind %q", ft.Path, ft.Kind)
		}
		switch ft.Operation {
		case contract.OpCreate, contract.OpModify, contract.OpDelete:
		case "":
			ft.Operation = contract.OpModify
		default:
			return nil, unplannable("file target %s has unknown operation %q", ft.Path, ft.Operation)
		}
		targets[i] = ft
	}

	impact := ClassifyImpact(req.Environment, targets, p.opts.HighImpactFileCount)
	return &contract.Plan{
		RequestID:            req.ID,
		Summary:              strings.TrimSpace(d.Summary),
		Requirements:         reqs,
		AcceptanceCriteria:   criteria,
		FileTargets:          targets,
		Impact:               impact,
		EstimatedMonthlyCost: d.EstimatedMonthlyCost,
		RequiresApproval:     d.RequiresApproval || impact == contract.ImpactHigh || p.opts.Restrictive[req.Environment],
		Notes:                d.Notes,
		CreatedAt:            p.clock(),
	}, nil
}

// ClassifyImpact applies the fixed rubric: more than highFileCount targets
// or any delete is high; prd or any CloudFormation target is at least
// medium; everything else is low.
func ClassifyImpact(env contract.Environment, targets []contract.FileTarget, highFileCount int) contract.Impact {
	if len(targets) > highFileCount {
		return contract.ImpactHigh
	}
	impact := contract.ImpactLow
	for _, t := range targets {
		if t.Operation == contract.OpDelete {
			return contract.ImpactHigh
		}
		if t.Kind == contract.KindCloudFormation {
			impact = impact.AtLeast(contract.ImpactMedium)
		}
	}
	if env == contract.EnvPrd {
		impact = impact.AtLeast(contract.ImpactMedium)
	}
	return impact
}
