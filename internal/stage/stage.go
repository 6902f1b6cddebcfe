// Package stage implements the four working stages of the pipeline:
// planning, implementation, review and deploy-and-validate. Each executor
// consumes external collaborators through the interfaces declared here and
// turns their failures into contract data instead of returning them.
package stage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/metrics"
)

// PlanDraft is the planner's raw proposal before the planning stage
// enforces its guarantees.
type PlanDraft struct {
	Summary              string                         `yaml:"summary"`
	Requirements         []contract.Requirement         `yaml:"requirements"`
	AcceptanceCriteria   []contract.AcceptanceCriterion `yaml:"acceptance_criteria"`
	FileTargets          []contract.FileTarget          `yaml:"file_targets"`
	EstimatedMonthlyCost float64                        `yaml:"estimated_monthly_cost"`
	RequiresApproval     bool                           `yaml:"requires_approval"`
	Notes                string                         `yaml:"notes"`
}

// Planner decomposes a request into a draft plan.
type Planner interface {
	Draft(ctx context.Context, req contract.Request) (*PlanDraft, error)
}

// GenerateRequest asks for the full new content of one file target.
type GenerateRequest struct {
	Request  contract.Request
	Plan     *contract.Plan
	Target   contract.FileTarget
	Current  string
	Feedback []contract.Finding
}

// ContentGenerator writes infrastructure file content.
type ContentGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Repository is the version-control working copy.
type Repository interface {
	Dir() string
	EnsureBranch(branch, base string) (string, bool, error)
	CommitChanges(changes []contract.CodeChange, message string) (string, bool, error)
	Push(ctx context.Context, branch string) (bool, error)
}

// PullRequests finds and opens pull requests.
type PullRequests interface {
	FindPullRequest(ctx context.Context, branch string) (*contract.PullRequest, error)
	OpenPullRequest(ctx context.Context, title, body, head, base string) (*contract.PullRequest, error)
}

// Validator is one member of the review battery.
type Validator interface {
	Name() string
	Validate(ctx context.Context, changes []contract.CodeChange) ([]contract.Finding, error)
}

// CostEstimator projects the monthly cost delta of a change set.
type CostEstimator interface {
	Estimate(changes []contract.CodeChange) contract.CostEstimate
}

// CheckExecutor runs an acceptance-criterion check and returns the
// observed value.
type CheckExecutor interface {
	Evaluate(ctx context.Context, expr string) (string, error)
}

// QueryHandler answers direct_query requests.
type QueryHandler interface {
	Answer(ctx context.Context, req contract.Request) (string, error)
}

// progress prints "  → ..." lines to an optional writer.
type progress struct {
	w   io.Writer
	now func() time.Time
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (p *progress) SetProgress(w io.Writer) {
	p.w = w
}

// SetClock overrides the time source (for testing).
func (p *progress) SetClock(now func() time.Time) {
	p.now = now
}

func (p *progress) logf(format string, args ...any) {
	if p.w != nil {
		fmt.Fprintf(p.w, "  → "+format+"\n", args...)
	}
}

func (p *progress) clock() time.Time {
	if p.now != nil {
		return p.now().UTC()
	}
	return time.Now().UTC()
}

// collabFailed counts a collaborator call that failed after all retries.
func (p *progress) collabFailed(name string, err error) {
	metrics.New().CollaboratorErrors.WithLabelValues(name).Inc()
	p.logf("%s failed: %v", name, err)
}
