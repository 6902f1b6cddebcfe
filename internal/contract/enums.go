package contract

import (
	"fmt"
	"strings"
)

// Environment is a deployment target.
type Environment string

const (
	EnvDev Environment = "dev"
	EnvTst Environment = "tst"
	EnvPrd Environment = "prd"
)

// Environments lists the recognized environments in promotion order.
var Environments = []Environment{EnvDev, EnvTst, EnvPrd}

// ParseEnvironment normalizes s and checks it against the known environments.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	for _, e := range Environments {
		if env == e {
			return env, nil
		}
	}
	return "", fmt.Errorf("unknown environment %q: must be one of dev, tst, prd", s)
}

// String implements pflag.Value.
func (e *Environment) String() string {
	if e == nil {
		return ""
	}
	return string(*e)
}

// Set implements pflag.Value.
func (e *Environment) Set(s string) error {
	env, err := ParseEnvironment(s)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Type implements pflag.Value.
func (e *Environment) Type() string {
	return "environment"
}

// RequirementKind classifies a requirement.
type RequirementKind string

const (
	RequirementFunctional    RequirementKind = "functional"
	RequirementNonFunctional RequirementKind = "non-functional"
	RequirementSecurity      RequirementKind = "security"
	RequirementCompliance    RequirementKind = "compliance"
)

// Priority ranks a requirement.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ChangeKind is the flavour of infrastructure file being changed.
type ChangeKind string

const (
	KindCloudFormation ChangeKind = "cloudformation"
	KindHelm           ChangeKind = "helm"
	KindKubernetes     ChangeKind = "kubernetes"
	KindParameter      ChangeKind = "parameter"
)

// Operation is what happens to a file target.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Impact is the planned blast radius of a change.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// rank orders impacts so the rubric can take a maximum.
func (i Impact) rank() int {
	switch i {
	case ImpactHigh:
		return 2
	case ImpactMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast returns the higher of i and floor.
func (i Impact) AtLeast(floor Impact) Impact {
	if floor.rank() > i.rank() {
		return floor
	}
	if i == "" {
		return ImpactLow
	}
	return i
}

// Severity of a review finding.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// ReviewStatus is the verdict of a review pass.
type ReviewStatus string

const (
	ReviewPassed        ReviewStatus = "passed"
	ReviewNeedsRevision ReviewStatus = "needs_revision"
	ReviewFailed        ReviewStatus = "failed"
)

// PRState is the state of a pull request on the hosting platform.
type PRState string

const (
	PROpen   PRState = "open"
	PRMerged PRState = "merged"
	PRClosed PRState = "closed"
)

// ActionOutcome is the result of one deployment action.
type ActionOutcome string

const (
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomeSkipped   ActionOutcome = "skipped"
)

// ActionType names the provisioning operation behind a deployment action.
type ActionType string

const (
	ActionCloudFormationDeploy ActionType = "cloudformation_deploy"
	ActionHelmUpgrade          ActionType = "helm_upgrade"
	ActionKubectlApply         ActionType = "kubectl_apply"
	ActionParameterPut         ActionType = "parameter_put"
)

// ActionTypeFor maps a change kind to the action that deploys it.
func ActionTypeFor(kind ChangeKind) ActionType {
	switch kind {
	case KindCloudFormation:
		return ActionCloudFormationDeploy
	case KindHelm:
		return ActionHelmUpgrade
	case KindParameter:
		return ActionParameterPut
	default:
		return ActionKubectlApply
	}
}

// GateID identifies one of the two approval checkpoints.
type GateID string

const (
	GatePlan   GateID = "plan"
	GateDeploy GateID = "deploy"
)

// ParseGateID accepts "plan" or "deploy".
func ParseGateID(s string) (GateID, error) {
	switch GateID(strings.ToLower(s)) {
	case GatePlan:
		return GatePlan, nil
	case GateDeploy:
		return GateDeploy, nil
	}
	return "", fmt.Errorf("unknown gate %q: must be plan or deploy", s)
}

// Route is the entry point the router selects for a request.
type Route string

const (
	RouteFullPipeline Route = "full_pipeline"
	RouteDirectQuery  Route = "direct_query"
	RouteNoop         Route = "conversational_noop"
)
