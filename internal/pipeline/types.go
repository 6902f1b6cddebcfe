package pipeline

import (
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Stage is a node of the pipeline state machine.
type Stage string

const (
	StageStart          Stage = "start"
	StageRouting        Stage = "routing"
	StagePlanning       Stage = "planning"
	StageGatePlan       Stage = "gate_plan"
	StageImplementation Stage = "implementation"
	StageReview         Stage = "review"
	StageGateDeploy     Stage = "gate_deploy"
	StageDeploy         Stage = "deploy_validate"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
	StageCancelled      Stage = "cancelled"
	StageErrored        Stage = "errored"
)

// Terminal reports whether no further transitions leave s.
func (s Stage) Terminal() bool {
	switch s {
	case StageDone, StageFailed, StageCancelled, StageErrored:
		return true
	}
	return false
}

// Known reports whether s is a recognized stage.
func (s Stage) Known() bool {
	switch s {
	case StageStart, StageRouting, StagePlanning, StageGatePlan, StageImplementation,
		StageReview, StageGateDeploy, StageDeploy:
		return true
	}
	return s.Terminal()
}

// HaltKind classifies why a pipeline stopped short of done.
type HaltKind string

const (
	HaltUnplannable  HaltKind = "unplannable"
	HaltReviewFailed HaltKind = "review_failed"
	HaltRejected     HaltKind = "rejected"
	HaltExpired      HaltKind = "approval_expired"
	HaltDeployFailed HaltKind = "deploy_failed"
	HaltError        HaltKind = "error"
)

// Halt names the stage that stopped the pipeline and why.
type Halt struct {
	Stage  Stage    `yaml:"stage"`
	Kind   HaltKind `yaml:"kind"`
	Reason string   `yaml:"reason"`
}

// Transition is one entry of the state machine history.
type Transition struct {
	From Stage     `yaml:"from"`
	To   Stage     `yaml:"to"`
	At   time.Time `yaml:"at"`
	Note string    `yaml:"note,omitempty"`
}

// PipelineState is the single mutable record for one request. It is owned by
// exactly one engine run at a time and persisted as pipeline.yaml on every
// transition.
type PipelineState struct {
	Request        contract.Request               `yaml:"request"`
	Route          contract.Route                 `yaml:"route,omitempty"`
	RouteMethod    string                         `yaml:"route_method,omitempty"`
	Stage          Stage                          `yaml:"stage"`
	Attempt        int                            `yaml:"attempt"`
	MaxAttempts    int                            `yaml:"max_attempts"`
	Plan           *contract.Plan                 `yaml:"plan,omitempty"`
	Implementation *contract.ImplementationResult `yaml:"implementation,omitempty"`
	Review         *contract.ReviewResult         `yaml:"review,omitempty"`
	Deployment     *contract.DeploymentResult     `yaml:"deployment,omitempty"`
	Approvals      []contract.ApprovalDecision    `yaml:"approvals,omitempty"`
	PendingGate    contract.GateID                `yaml:"pending_gate,omitempty"`
	GateDeadline   *time.Time                     `yaml:"gate_deadline,omitempty"`
	Halt           *Halt                          `yaml:"halt,omitempty"`
	Answer         string                         `yaml:"answer,omitempty"`
	History        []Transition                   `yaml:"history,omitempty"`
	CreatedAt      time.Time                      `yaml:"created_at"`
	UpdatedAt      time.Time                      `yaml:"updated_at"`
}

// ID is shorthand for the request ID.
func (ps *PipelineState) ID() string {
	return ps.Request.ID
}

// Suspended reports whether the pipeline is parked at a gate.
func (ps *PipelineState) Suspended() bool {
	return ps.PendingGate != "" && !ps.Stage.Terminal()
}

// Transition moves the state to a new stage and records the edge.
func (ps *PipelineState) Transition(to Stage, at time.Time, note string) {
	ps.History = append(ps.History, Transition{From: ps.Stage, To: to, At: at, Note: note})
	ps.Stage = to
}

// LastApproval returns the most recent decision recorded for gate, or nil.
func (ps *PipelineState) LastApproval(gate contract.GateID) *contract.ApprovalDecision {
	for i := len(ps.Approvals) - 1; i >= 0; i-- {
		if ps.Approvals[i].Gate == gate {
			return &ps.Approvals[i]
		}
	}
	return nil
}
