// Package contract defines the typed records passed between pipeline stages.
// Each record is built once by the stage that owns it and never mutated
// afterwards; a retry produces a new record instead of editing the old one.
package contract

import "time"

// Request is the operator's natural-language change request.
type Request struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description"`
	Environment Environment `yaml:"environment"`
	DryRun      bool        `yaml:"dry_run"`
	Operator    string      `yaml:"operator,omitempty"`
	CreatedAt   time.Time   `yaml:"created_at"`
}

// Requirement is one decomposed, testable need.
type Requirement struct {
	ID          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Kind        RequirementKind `yaml:"kind"`
	Priority    Priority        `yaml:"priority"`
	Controls    []string        `yaml:"controls,omitempty"`
}

// AcceptanceCriterion is an executable check bound to a requirement.
type AcceptanceCriterion struct {
	ID            string `yaml:"id"`
	RequirementID string `yaml:"requirement_id"`
	Description   string `yaml:"description"`
	Check         string `yaml:"check"`
	Expected      string `yaml:"expected"`
}

// FileTarget is a file the plan intends to touch.
type FileTarget struct {
	Path        string     `yaml:"path"`
	Kind        ChangeKind `yaml:"kind"`
	Operation   Operation  `yaml:"operation"`
	Resource    string     `yaml:"resource,omitempty"`
	Description string     `yaml:"description"`
}

// Plan is the output of the planning stage.
type Plan struct {
	RequestID            string                `yaml:"request_id"`
	Summary              string                `yaml:"summary"`
	Requirements         []Requirement         `yaml:"requirements"`
	AcceptanceCriteria   []AcceptanceCriterion `yaml:"acceptance_criteria"`
	FileTargets          []FileTarget          `yaml:"file_targets"`
	Impact               Impact                `yaml:"impact"`
	EstimatedMonthlyCost float64               `yaml:"estimated_monthly_cost"`
	RequiresApproval     bool                  `yaml:"requires_approval"`
	Notes                string                `yaml:"notes,omitempty"`
	CreatedAt            time.Time             `yaml:"created_at"`
}

// CriteriaFor returns the acceptance criteria bound to requirement id.
func (p *Plan) CriteriaFor(id string) []AcceptanceCriterion {
	var out []AcceptanceCriterion
	for _, ac := range p.AcceptanceCriteria {
		if ac.RequirementID == id {
			out = append(out, ac)
		}
	}
	return out
}

// CodeChange is one generated file.
type CodeChange struct {
	Path         string     `yaml:"path"`
	Kind         ChangeKind `yaml:"kind"`
	LinesAdded   int        `yaml:"lines_added"`
	LinesRemoved int        `yaml:"lines_removed"`
	Summary      string     `yaml:"summary"`
	Content      string     `yaml:"content,omitempty"`
	Deleted      bool       `yaml:"deleted,omitempty"`
}

// Commit records the version-control commit of an attempt.
type Commit struct {
	Branch  string `yaml:"branch"`
	SHA     string `yaml:"sha,omitempty"`
	Message string `yaml:"message,omitempty"`
	Pushed  bool   `yaml:"pushed"`
}

// PullRequest is the review request opened for a branch.
type PullRequest struct {
	Number       int     `yaml:"number"`
	URL          string  `yaml:"url"`
	Title        string  `yaml:"title"`
	SourceBranch string  `yaml:"source_branch"`
	TargetBranch string  `yaml:"target_branch"`
	State        PRState `yaml:"state"`
}

// ImplementationResult is the output of one implementation attempt.
type ImplementationResult struct {
	RequestID        string       `yaml:"request_id"`
	PlanRef          string       `yaml:"plan_ref"`
	Attempt          int          `yaml:"attempt"`
	Changes          []CodeChange `yaml:"changes,omitempty"`
	Commit           Commit       `yaml:"commit"`
	PullRequest      *PullRequest `yaml:"pull_request,omitempty"`
	SyntaxValid      bool         `yaml:"syntax_valid"`
	PolicyLintPassed bool         `yaml:"policy_lint_passed"`
	Notes            []string     `yaml:"notes,omitempty"`
	CreatedAt        time.Time    `yaml:"created_at"`
}

// ChangeFor returns the generated change for path, or nil.
func (r *ImplementationResult) ChangeFor(path string) *CodeChange {
	for i := range r.Changes {
		if r.Changes[i].Path == path {
			return &r.Changes[i]
		}
	}
	return nil
}

// Finding is a single validator observation.
type Finding struct {
	ID          string   `yaml:"id"`
	Validator   string   `yaml:"validator"`
	Severity    Severity `yaml:"severity"`
	Path        string   `yaml:"path,omitempty"`
	Line        int      `yaml:"line,omitempty"`
	Rule        string   `yaml:"rule,omitempty"`
	Message     string   `yaml:"message"`
	Remediation string   `yaml:"remediation,omitempty"`
}

// ValidatorRun records whether a validator in the review battery completed.
type ValidatorRun struct {
	Name     string `yaml:"name"`
	Ran      bool   `yaml:"ran"`
	Findings int    `yaml:"findings"`
	Error    string `yaml:"error,omitempty"`
}

// CostEstimate is the projected monthly spend change.
type CostEstimate struct {
	MonthlyDelta      float64  `yaml:"monthly_delta"`
	AffectedResources []string `yaml:"affected_resources,omitempty"`
	Notes             string   `yaml:"notes,omitempty"`
}

// ReviewResult is the output of one review pass.
type ReviewResult struct {
	RequestID         string         `yaml:"request_id"`
	ImplementationRef string         `yaml:"implementation_ref"`
	Attempt           int            `yaml:"attempt"`
	Findings          []Finding      `yaml:"findings,omitempty"`
	BlockingCount     int            `yaml:"blocking_count"`
	WarningCount      int            `yaml:"warning_count"`
	Validators        []ValidatorRun `yaml:"validators"`
	Cost              CostEstimate   `yaml:"cost"`
	Status            ReviewStatus   `yaml:"status"`
	CreatedAt         time.Time      `yaml:"created_at"`
}

// Blocking returns only the blocking findings.
func (r *ReviewResult) Blocking() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityBlocking {
			out = append(out, f)
		}
	}
	return out
}

// DeploymentAction is one provisioning operation.
type DeploymentAction struct {
	Type            ActionType    `yaml:"type"`
	Resource        string        `yaml:"resource"`
	Path            string        `yaml:"path"`
	Outcome         ActionOutcome `yaml:"outcome"`
	DurationSeconds float64       `yaml:"duration_seconds"`
	Output          string        `yaml:"output,omitempty"`
	Revision        string        `yaml:"revision,omitempty"`
	DryRun          bool          `yaml:"dry_run,omitempty"`
}

// ValidationOutcome is the result of running one acceptance check.
type ValidationOutcome struct {
	CriterionID string `yaml:"criterion_id"`
	Check       string `yaml:"check"`
	Expected    string `yaml:"expected"`
	Actual      string `yaml:"actual"`
	Passed      bool   `yaml:"passed"`
	Error       string `yaml:"error,omitempty"`
	DryRun      bool   `yaml:"dry_run,omitempty"`
}

// RollbackInfo records the compensating actions taken after a failure.
type RollbackInfo struct {
	Triggered bool               `yaml:"triggered"`
	Reason    string             `yaml:"reason"`
	Actions   []DeploymentAction `yaml:"actions,omitempty"`
	Succeeded bool               `yaml:"succeeded"`
}

// DeploymentResult is the output of the deploy and validate stage.
type DeploymentResult struct {
	RequestID       string              `yaml:"request_id"`
	ReviewRef       string              `yaml:"review_ref"`
	Actions         []DeploymentAction  `yaml:"actions,omitempty"`
	Validations     []ValidationOutcome `yaml:"validations,omitempty"`
	Rollback        *RollbackInfo       `yaml:"rollback,omitempty"`
	Success         bool                `yaml:"success"`
	DryRun          bool                `yaml:"dry_run"`
	Summary         string              `yaml:"summary"`
	DurationSeconds float64             `yaml:"duration_seconds"`
	CreatedAt       time.Time           `yaml:"created_at"`
}

// ApprovalDecision is a human verdict recorded at a gate.
type ApprovalDecision struct {
	Gate      GateID    `yaml:"gate"`
	Granted   bool      `yaml:"granted"`
	Approver  string    `yaml:"approver"`
	Note      string    `yaml:"note,omitempty"`
	DecidedAt time.Time `yaml:"decided_at"`
}
