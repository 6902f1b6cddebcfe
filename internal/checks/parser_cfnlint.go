package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CFNLintParser parses `cfn-lint --format json` output.
type CFNLintParser struct{}

type cfnLintMatch struct {
	Filename string `json:"Filename"`
	Level    string `json:"Level"` // Error, Warning, Informational
	Message  string `json:"Message"`
	Location struct {
		Start struct {
			LineNumber int `json:"LineNumber"`
		} `json:"Start"`
	} `json:"Location"`
	Rule struct {
		ID          string `json:"Id"`
		Description string `json:"Description"`
		Source      string `json:"Source"`
	} `json:"Rule"`
}

func (p *CFNLintParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	out := strings.TrimSpace(stdout)
	if out == "" && exitCode == 0 {
		return ParseResult{Passed: true, Summary: "0 errors, 0 warnings"}
	}

	var matches []cfnLintMatch
	if err := json.Unmarshal([]byte(out), &matches); err != nil {
		r := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		r.Summary = fmt.Sprintf("exit code %d (could not parse cfn-lint JSON)", exitCode)
		return r
	}

	var findings []Finding
	for _, m := range matches {
		level := LevelWarning
		if strings.EqualFold(m.Level, "error") {
			level = LevelError
		}
		findings = append(findings, Finding{
			File:        m.Filename,
			Line:        m.Location.Start.LineNumber,
			Level:       level,
			Rule:        m.Rule.ID,
			Message:     m.Message,
			Remediation: m.Rule.Source,
		})
	}

	errs, warns := countLevels(findings)
	return ParseResult{
		Passed:   errs == 0,
		Summary:  fmt.Sprintf("%d errors, %d warnings", errs, warns),
		Findings: findings,
	}
}
