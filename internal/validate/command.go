package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/checks"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/prompt"
)

// CommandValidator runs configured external tools (cfn-lint, kube-linter,
// checkov, ...) over the generated files and maps their diagnostics to
// findings.
type CommandValidator struct {
	name    string
	checks  []config.Check
	runner  *checks.Runner
	workdir string
}

// NewCommandValidator creates a validator named name. Generated files are
// written to a fresh temporary directory under workdir (os.TempDir when
// empty) for every run.
func NewCommandValidator(name string, list []config.Check, runner *checks.Runner, workdir string) *CommandValidator {
	return &CommandValidator{name: name, checks: list, runner: runner, workdir: workdir}
}

// Name returns the validator name.
func (v *CommandValidator) Name() string {
	return v.name
}

// Validate runs every check whose kinds match at least one change. A check
// that cannot run or times out fails the whole validator.
func (v *CommandValidator) Validate(ctx context.Context, changes []contract.CodeChange) ([]contract.Finding, error) {
	dir, err := os.MkdirTemp(v.workdir, "infrafactory-"+v.name+"-")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := Materialize(dir, changes); err != nil {
		return nil, err
	}

	var findings []contract.Finding
	for _, chk := range v.checks {
		targets := ofKinds(changes, chk.Kinds)
		if len(targets) == 0 {
			continue
		}
		files := make([]string, len(targets))
		for i, c := range targets {
			files[i] = shellQuote(filepath.ToSlash(filepath.Clean(c.Path)))
		}
		command, err := prompt.Render(chk.Command, prompt.Vars{
			"files": strings.Join(files, " "),
			"dir":   shellQuote(dir),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", chk.Name, err)
		}

		res, err := v.runner.Run(ctx, dir, checks.CheckConfig{
			Name:    chk.Name,
			Command: command,
			Parser:  chk.Parser,
			Timeout: chk.Timeout,
		})
		if err != nil {
			return nil, err
		}
		if res.TimedOut {
			return nil, fmt.Errorf("%s: %s", chk.Name, res.Summary)
		}

		for _, f := range res.Findings {
			findings = append(findings, v.toFinding(chk, f, dir))
		}
		if !res.Passed && len(res.Findings) == 0 {
			findings = append(findings, contract.Finding{
				Validator: v.name,
				Severity:  contract.SeverityBlocking,
				Rule:      chk.Name,
				Message:   res.Summary,
			})
		}
	}
	return findings, nil
}

func (v *CommandValidator) toFinding(chk config.Check, f checks.Finding, dir string) contract.Finding {
	sev := contract.SeverityWarning
	if f.Level == checks.LevelError || chk.SeverityThreshold == checks.LevelWarning {
		sev = contract.SeverityBlocking
	}
	// Tools report either absolute paths or paths relative to the workdir.
	path := filepath.ToSlash(f.File)
	root := filepath.ToSlash(dir) + "/"
	path = strings.TrimPrefix(path, root)
	path = strings.TrimPrefix(path, strings.TrimPrefix(root, "/"))
	rule := f.Rule
	if rule == "" {
		rule = chk.Name
	}
	return contract.Finding{
		Validator:   v.name,
		Severity:    sev,
		Path:        path,
		Line:        f.Line,
		Rule:        rule,
		Message:     f.Message,
		Remediation: f.Remediation,
	}
}
