package checks

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Evaluator runs acceptance-criterion check expressions as shell commands
// and returns their trimmed stdout as the observed value.
type Evaluator struct {
	cmd     CommandRunner
	dir     string
	timeout time.Duration
}

// NewEvaluator creates an Evaluator running in dir.
func NewEvaluator(cmd CommandRunner, dir string, timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Evaluator{cmd: cmd, dir: dir, timeout: timeout}
}

// Evaluate runs expr. A non-zero exit is an error carrying the tail of the
// command's output.
func (e *Evaluator) Evaluate(ctx context.Context, expr string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", fmt.Errorf("empty check expression")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stdout, stderr, exitCode, err := e.cmd.Run(ctx, e.dir, expr)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("check timed out after %s: %w", e.timeout, ctx.Err())
		}
		return "", err
	}
	if exitCode != 0 {
		return strings.TrimSpace(stdout), fmt.Errorf("check exited %d: %s", exitCode, strings.TrimSpace(tail(combine(stdout, stderr), 500)))
	}
	return strings.TrimSpace(stdout), nil
}
