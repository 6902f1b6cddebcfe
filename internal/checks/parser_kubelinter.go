package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KubeLinterParser parses `kube-linter lint --format json` output. kube-linter
// has no severity levels, so every report is an error.
type KubeLinterParser struct{}

type kubeLinterOutput struct {
	Reports []struct {
		Diagnostic struct {
			Message string `json:"Message"`
		} `json:"Diagnostic"`
		Check       string `json:"Check"`
		Remediation string `json:"Remediation"`
		Object      struct {
			Metadata struct {
				FilePath string `json:"FilePath"`
			} `json:"Metadata"`
			K8sObject struct {
				Namespace string `json:"Namespace"`
				Name      string `json:"Name"`
			} `json:"K8sObject"`
		} `json:"Object"`
	} `json:"Reports"`
}

func (p *KubeLinterParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var out kubeLinterOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err != nil {
		r := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		r.Summary = fmt.Sprintf("exit code %d (could not parse kube-linter JSON)", exitCode)
		return r
	}

	var findings []Finding
	for _, rep := range out.Reports {
		msg := rep.Diagnostic.Message
		if name := rep.Object.K8sObject.Name; name != "" {
			msg = fmt.Sprintf("%s: %s", name, msg)
		}
		findings = append(findings, Finding{
			File:        rep.Object.Metadata.FilePath,
			Level:       LevelError,
			Rule:        rep.Check,
			Message:     msg,
			Remediation: rep.Remediation,
		})
	}

	return ParseResult{
		Passed:   len(findings) == 0,
		Summary:  fmt.Sprintf("%d lint errors", len(findings)),
		Findings: findings,
	}
}
