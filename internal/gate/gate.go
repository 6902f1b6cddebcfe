// Package gate implements the two human approval checkpoints: after
// planning and before deployment.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
)

// ErrPending is returned by an Approver that has no decision yet. The engine
// persists state and returns; a later resume asks again.
var ErrPending = errors.New("approval pending")

// Outcome is the result of evaluating a gate.
type Outcome string

const (
	OutcomePassed    Outcome = "passed"
	OutcomeApproved  Outcome = "approved"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSuspended Outcome = "suspended"
	OutcomeExpired   Outcome = "expired"
)

// Pending is the decision payload shown to an approver.
type Pending struct {
	RequestID   string
	Description string
	Environment contract.Environment
	Gate        contract.GateID
	Plan        *contract.Plan
	Review      *contract.ReviewResult
	DryRun      bool
	Deadline    *time.Time
}

// Approver produces a decision or ErrPending.
type Approver interface {
	Decide(ctx context.Context, p Pending) (contract.ApprovalDecision, error)
}

// FuncApprover adapts a function to Approver.
type FuncApprover func(ctx context.Context, p Pending) (contract.ApprovalDecision, error)

// Decide implements Approver.
func (f FuncApprover) Decide(ctx context.Context, p Pending) (contract.ApprovalDecision, error) {
	return f(ctx, p)
}

// Chain asks each approver in turn and returns the first decision. It
// returns ErrPending when every approver is pending.
type Chain []Approver

// Decide implements Approver.
func (c Chain) Decide(ctx context.Context, p Pending) (contract.ApprovalDecision, error) {
	for _, a := range c {
		if a == nil {
			continue
		}
		d, err := a.Decide(ctx, p)
		if errors.Is(err, ErrPending) {
			continue
		}
		return d, err
	}
	return contract.ApprovalDecision{}, ErrPending
}

// Result is a gate evaluation.
type Result struct {
	Outcome  Outcome
	Decision *contract.ApprovalDecision
}

// Evaluate runs one gate. A gate that is not required passes without asking.
// A deadline in the past expires the gate even if a decision has arrived.
func Evaluate(ctx context.Context, approver Approver, p Pending, required bool, now time.Time) (Result, error) {
	if !required {
		return Result{Outcome: OutcomePassed}, nil
	}
	if p.Deadline != nil && now.After(*p.Deadline) {
		return Result{Outcome: OutcomeExpired}, nil
	}
	if approver == nil {
		return Result{Outcome: OutcomeSuspended}, nil
	}

	d, err := approver.Decide(ctx, p)
	if errors.Is(err, ErrPending) {
		return Result{Outcome: OutcomeSuspended}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeSuspended}, fmt.Errorf("%s gate approver: %w", p.Gate, err)
	}

	d.Gate = p.Gate
	if d.DecidedAt.IsZero() {
		d.DecidedAt = now
	}
	if d.Approver == "" {
		d.Approver = "unknown"
	}
	if d.Granted {
		return Result{Outcome: OutcomeApproved, Decision: &d}, nil
	}
	return Result{Outcome: OutcomeRejected, Decision: &d}, nil
}

// Required applies the configured approval mode to one gate.
//
//	plan gate:   auto follows Plan.RequiresApproval
//	deploy gate: auto asks when the plan required approval or the review's
//	             cost delta exceeds costThreshold (when positive)
func Required(gate contract.GateID, mode string, plan *contract.Plan, review *contract.ReviewResult, costThreshold float64) bool {
	switch mode {
	case config.ApprovalAlways:
		return true
	case config.ApprovalNever:
		return false
	}
	planRequires := plan != nil && plan.RequiresApproval
	if gate == contract.GatePlan {
		return planRequires
	}
	if planRequires {
		return true
	}
	return review != nil && costThreshold > 0 && review.Cost.MonthlyDelta > costThreshold
}
