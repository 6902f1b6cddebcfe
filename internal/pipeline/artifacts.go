package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Artifact file names inside a request directory.
const (
	FileState        = "pipeline.yaml"
	FileRequirements = "requirements.yaml"
	FileChanges      = "changes.yaml"
	FileReview       = "review.yaml"
	FileValidation   = "validation.yaml"
	FileApprovals    = "approvals.yaml"
	FileSummary      = "summary.md"
	fileLock         = ".lock"
)

// DecisionFile is the name of the drop-box file for an external gate decision.
func DecisionFile(gate contract.GateID) string {
	return fmt.Sprintf("decision-%s.yaml", gate)
}

func header(what, id string) string {
	return fmt.Sprintf("infrafactory %s\nrequest: %s", what, id)
}

// SavePlan writes requirements.yaml.
func (s *Store) SavePlan(id string, plan *contract.Plan) error {
	return s.writeYAML(id, FileRequirements, header("plan", id), plan)
}

// LoadPlan reads requirements.yaml.
func (s *Store) LoadPlan(id string) (*contract.Plan, error) {
	var plan contract.Plan
	if err := ReadYAML(s.Path(id, FileRequirements), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// AppendImplementation adds an attempt to changes.yaml.
func (s *Store) AppendImplementation(id string, impl *contract.ImplementationResult) error {
	return s.appendYAML(id, FileChanges, header("implementation attempts", id), impl)
}

// Implementations returns every recorded implementation attempt, oldest first.
func (s *Store) Implementations(id string) ([]contract.ImplementationResult, error) {
	return ReadYAMLDocuments[contract.ImplementationResult](s.Path(id, FileChanges))
}

// AppendReview adds a review pass to review.yaml.
func (s *Store) AppendReview(id string, review *contract.ReviewResult) error {
	return s.appendYAML(id, FileReview, header("review passes", id), review)
}

// Reviews returns every recorded review pass, oldest first.
func (s *Store) Reviews(id string) ([]contract.ReviewResult, error) {
	return ReadYAMLDocuments[contract.ReviewResult](s.Path(id, FileReview))
}

// SaveDeployment writes validation.yaml.
func (s *Store) SaveDeployment(id string, result *contract.DeploymentResult) error {
	return s.writeYAML(id, FileValidation, header("deployment and validation", id), result)
}

// LoadDeployment reads validation.yaml.
func (s *Store) LoadDeployment(id string) (*contract.DeploymentResult, error) {
	var result contract.DeploymentResult
	if err := ReadYAML(s.Path(id, FileValidation), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AppendApproval adds a gate decision to approvals.yaml.
func (s *Store) AppendApproval(id string, d contract.ApprovalDecision) error {
	return s.appendYAML(id, FileApprovals, header("approval decisions", id), d)
}

// Approvals returns every recorded gate decision, oldest first.
func (s *Store) Approvals(id string) ([]contract.ApprovalDecision, error) {
	return ReadYAMLDocuments[contract.ApprovalDecision](s.Path(id, FileApprovals))
}

// SaveDecision drops an externally supplied decision for a suspended gate.
func (s *Store) SaveDecision(id string, d contract.ApprovalDecision) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return WriteYAML(s.Path(id, DecisionFile(d.Gate)), "", d)
}

// ReadDecision returns the pending external decision for gate, or nil when
// none has been submitted.
func (s *Store) ReadDecision(id string, gate contract.GateID) (*contract.ApprovalDecision, error) {
	var d contract.ApprovalDecision
	if err := ReadYAML(s.Path(id, DecisionFile(gate)), &d); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if d.Gate == "" {
		d.Gate = gate
	}
	return &d, nil
}

// ClearDecision removes a consumed decision file.
func (s *Store) ClearDecision(id string, gate contract.GateID) error {
	err := os.Remove(s.Path(id, DecisionFile(gate)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteSummary writes summary.md.
func (s *Store) WriteSummary(id string, markdown string) error {
	if err := WriteAtomic(s.Path(id, FileSummary), []byte(markdown)); err != nil {
		return fmt.Errorf("write %s: %w", FileSummary, err)
	}
	s.mirrorFile(id, FileSummary)
	return nil
}

// ReadSummary reads summary.md.
func (s *Store) ReadSummary(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Path(id, FileSummary))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no summary for %s", ErrNotFound, id)
		}
		return "", err
	}
	return string(data), nil
}
