package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CheckovParser parses `checkov --output json` output. Checkov prints a
// single object for one framework and an array when several ran.
type CheckovParser struct{}

type checkovReport struct {
	CheckType string `json:"check_type"`
	Results   struct {
		FailedChecks []checkovCheck `json:"failed_checks"`
	} `json:"results"`
	Summary struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	} `json:"summary"`
}

type checkovCheck struct {
	CheckID       string  `json:"check_id"`
	CheckName     string  `json:"check_name"`
	FilePath      string  `json:"file_path"`
	FileLineRange []int   `json:"file_line_range"`
	Resource      string  `json:"resource"`
	Guideline     string  `json:"guideline"`
	Severity      *string `json:"severity"`
}

func (p *CheckovParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	out := strings.TrimSpace(stdout)

	var reports []checkovReport
	if strings.HasPrefix(out, "[") {
		if err := json.Unmarshal([]byte(out), &reports); err != nil {
			return checkovUnparsed(stdout, stderr, exitCode)
		}
	} else {
		var single checkovReport
		if err := json.Unmarshal([]byte(out), &single); err != nil {
			return checkovUnparsed(stdout, stderr, exitCode)
		}
		reports = []checkovReport{single}
	}

	var findings []Finding
	passedChecks := 0
	for _, rep := range reports {
		passedChecks += rep.Summary.Passed
		for _, c := range rep.Results.FailedChecks {
			line := 0
			if len(c.FileLineRange) > 0 {
				line = c.FileLineRange[0]
			}
			findings = append(findings, Finding{
				File:        strings.TrimPrefix(c.FilePath, "/"),
				Line:        line,
				Level:       checkovLevel(c.Severity),
				Rule:        c.CheckID,
				Message:     fmt.Sprintf("%s (%s)", c.CheckName, c.Resource),
				Remediation: c.Guideline,
			})
		}
	}

	errs, warns := countLevels(findings)
	return ParseResult{
		Passed:   errs == 0,
		Summary:  fmt.Sprintf("%d passed, %d failed (%d errors, %d warnings)", passedChecks, len(findings), errs, warns),
		Findings: findings,
	}
}

// checkovLevel maps checkov severities; unset severity counts as an error.
func checkovLevel(sev *string) string {
	if sev == nil {
		return LevelError
	}
	switch strings.ToUpper(*sev) {
	case "LOW", "INFO", "MEDIUM":
		return LevelWarning
	default:
		return LevelError
	}
}

func checkovUnparsed(stdout, stderr string, exitCode int) ParseResult {
	r := (&GenericParser{}).Parse(stdout, stderr, exitCode)
	r.Summary = fmt.Sprintf("exit code %d (could not parse checkov JSON)", exitCode)
	return r
}
