package checks

import (
	"context"
	"fmt"
)

// SuiteCheckResult summarizes one check within a suite run.
type SuiteCheckResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Summary string `json:"summary,omitempty"`
}

// SuiteResult is the structured output of running several checks over the
// same directory.
type SuiteResult struct {
	Name     string             `json:"name"`
	Passed   bool               `json:"passed"`
	Checks   []SuiteCheckResult `json:"checks"`
	Failures map[string]string  `json:"failures,omitempty"`
}

// SuiteOpts configures a suite run.
type SuiteOpts struct {
	Name     string
	Checks   []CheckConfig
	Continue bool // run all checks even if some fail
}

// RunSuite executes checks in order and returns a structured result. Each
// check result is also returned individually so callers can map findings.
func (r *Runner) RunSuite(ctx context.Context, dir string, opts SuiteOpts) (*SuiteResult, []*Result, error) {
	suite := &SuiteResult{
		Name:     opts.Name,
		Passed:   true,
		Failures: make(map[string]string),
	}

	var all []*Result
	for _, chk := range opts.Checks {
		result, err := r.Run(ctx, dir, chk)
		if err != nil {
			return nil, all, fmt.Errorf("run check %q: %w", chk.Name, err)
		}
		all = append(all, result)

		suite.Checks = append(suite.Checks, SuiteCheckResult{
			Check:   chk.Name,
			Passed:  result.Passed,
			Summary: result.Summary,
		})

		if !result.Passed {
			suite.Passed = false
			suite.Failures[chk.Name] = result.Summary
			if !opts.Continue {
				break
			}
		}
	}

	return suite, all, nil
}
