package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/infrafactory/internal/checks"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/prompt"
)

// Shell provisions files by running the configured command templates
// (kubectl, helm, aws cloudformation) in the repository working tree.
type Shell struct {
	cmd      checks.CommandRunner
	dir      string
	commands map[string]config.DeployCommand
}

// NewShell creates a Shell provisioner.
func NewShell(cmd checks.CommandRunner, dir string, commands map[string]config.DeployCommand) *Shell {
	return &Shell{cmd: cmd, dir: dir, commands: commands}
}

// Apply runs the apply (or delete) template. The revision is the operation,
// which selects the revert template later.
func (s *Shell) Apply(ctx context.Context, t Target) (Applied, error) {
	dc, err := s.command(t.File.Kind)
	if err != nil {
		return Applied{}, err
	}
	tmpl := dc.Apply
	if t.File.Operation == contract.OpDelete {
		tmpl = dc.Delete
		if tmpl == "" {
			return Applied{}, fmt.Errorf("no delete command configured for %s", t.File.Kind)
		}
	}
	out, err := s.run(ctx, tmpl, t, dc.Timeout)
	if err != nil {
		return Applied{Output: out}, err
	}
	return Applied{Output: out, Revision: string(t.File.Operation)}, nil
}

// Revert undoes a previous Apply: creates are torn down, modifications
// rolled back. Deletes cannot be reverted.
func (s *Shell) Revert(ctx context.Context, t Target, revision string) (string, error) {
	dc, err := s.command(t.File.Kind)
	if err != nil {
		return "", err
	}
	var tmpl string
	switch contract.Operation(revision) {
	case contract.OpCreate:
		tmpl = dc.RevertCreate
	case contract.OpModify:
		tmpl = dc.Revert
	case contract.OpDelete:
		return "", fmt.Errorf("%s: %w", t.File.Path, ErrIrreversible)
	default:
		return "", fmt.Errorf("unknown revision %q for %s", revision, t.File.Path)
	}
	if tmpl == "" {
		return "", fmt.Errorf("no revert command configured for %s: %w", t.File.Kind, ErrIrreversible)
	}
	return s.run(ctx, tmpl, t, dc.Timeout)
}

func (s *Shell) command(kind contract.ChangeKind) (config.DeployCommand, error) {
	dc, ok := s.commands[string(kind)]
	if !ok || dc.Apply == "" {
		return config.DeployCommand{}, fmt.Errorf("no deploy command configured for %s", kind)
	}
	return dc, nil
}

func (s *Shell) run(ctx context.Context, tmpl string, t Target, timeout time.Duration) (string, error) {
	resource := t.Resource()
	command, err := prompt.Render(tmpl, prompt.Vars{
		"path":        quote(t.File.Path),
		"resource":    quote(resource),
		"chart":       quote("charts/" + resource),
		"environment": quote(string(t.Environment)),
		"request_id":  quote(t.RequestID),
	})
	if err != nil {
		return "", fmt.Errorf("render deploy command: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout, stderr, exitCode, err := s.cmd.Run(ctx, s.dir, command)
	out := clip(strings.TrimSpace(stdout + "\n" + stderr))
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s timed out after %s", firstWord(command), timeout)
		}
		return out, fmt.Errorf("run %s: %w", firstWord(command), err)
	}
	if exitCode != 0 {
		return out, fmt.Errorf("%s exited %d", firstWord(command), exitCode)
	}
	return out, nil
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return s
}

// quote wraps s in single quotes for sh -c.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
