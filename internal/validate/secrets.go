package validate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// SecretValidator scans generated content with the default gitleaks rule
// set. Every detected secret is blocking.
type SecretValidator struct {
	detector *detect.Detector
	allow    []*regexp.Regexp
}

// NewSecretValidator builds the detector once. allow patterns drop findings
// whose matched secret they match.
func NewSecretValidator(allow []string) (*SecretValidator, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	v := &SecretValidator{detector: d}
	for _, p := range allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow pattern %q: %w", p, err)
		}
		v.allow = append(v.allow, re)
	}
	return v, nil
}

// Name returns the validator name.
func (v *SecretValidator) Name() string {
	return "secrets"
}

// Validate scans every live change.
func (v *SecretValidator) Validate(_ context.Context, changes []contract.CodeChange) ([]contract.Finding, error) {
	var findings []contract.Finding
	for _, c := range changes {
		if c.Deleted || c.Content == "" {
			continue
		}
		for _, f := range v.detector.DetectString(c.Content) {
			if v.allowed(f.Secret) {
				continue
			}
			findings = append(findings, contract.Finding{
				Validator:   v.Name(),
				Severity:    contract.SeverityBlocking,
				Path:        c.Path,
				Line:        f.StartLine,
				Rule:        f.RuleID,
				Message:     fmt.Sprintf("possible secret: %s (%s)", f.Description, redact(f.Secret)),
				Remediation: "reference the value from a secret store instead of embedding it",
			})
		}
	}
	return findings, nil
}

func (v *SecretValidator) allowed(secret string) bool {
	for _, re := range v.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	return false
}

// redact keeps at most the first four characters of a secret.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
