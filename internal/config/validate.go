package config

import (
	"fmt"
	"regexp"
	"sort"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for checks.
var recognizedParsers = map[string]bool{
	"cfn-lint":    true,
	"kube-linter": true,
	"checkov":     true,
	"generic":     true,
}

var recognizedKinds = map[string]bool{
	"cloudformation": true,
	"helm":           true,
	"kubernetes":     true,
	"parameter":      true,
}

var recognizedEnvironments = map[string]bool{"dev": true, "tst": true, "prd": true}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	p := cfg.Pipeline
	if p.ArtifactsDir == "" {
		add("pipeline.artifacts_dir", "is required")
	}
	if p.MaxRetries < 1 {
		add("pipeline.max_retries", "must be at least 1, got %d", p.MaxRetries)
	}
	if p.HighImpactFileCount < 1 {
		add("pipeline.high_impact_file_count", "must be at least 1, got %d", p.HighImpactFileCount)
	}
	if p.RollbackPolicy != RollbackAllPrior && p.RollbackPolicy != RollbackFailedOnly {
		add("pipeline.rollback_policy", "must be %s or %s, got %q", RollbackAllPrior, RollbackFailedOnly, p.RollbackPolicy)
	}
	if p.GateExpiry < 0 {
		add("pipeline.gate_expiry", "must not be negative")
	}

	for _, name := range sortedKeys(cfg.Environments) {
		env := cfg.Environments[name]
		if !recognizedEnvironments[name] {
			add("environments."+name, "unrecognized environment (must be dev, tst or prd)")
			continue
		}
		if env.TargetBranch == "" {
			add("environments."+name+".target_branch", "is required")
		}
	}

	for field, mode := range map[string]string{"approval.plan": cfg.Approval.Plan, "approval.deploy": cfg.Approval.Deploy} {
		if mode != ApprovalAuto && mode != ApprovalAlways && mode != ApprovalNever {
			add(field, "must be auto, always or never, got %q", mode)
		}
	}
	if cfg.Approval.CostThreshold < 0 {
		add("approval.cost_threshold", "must not be negative")
	}

	c := cfg.Collaborators
	if c.Timeout <= 0 {
		add("collaborators.timeout", "must be positive")
	}
	if c.Retries < 0 {
		add("collaborators.retries", "must not be negative")
	}
	if c.MaxBackoff < c.Backoff {
		add("collaborators.max_backoff", "must be at least collaborators.backoff")
	}

	for _, list := range []struct {
		name   string
		checks []Check
	}{
		{"validators.lint", cfg.Validators.Lint},
		{"validators.policy", cfg.Validators.Policy},
	} {
		seen := map[string]bool{}
		for i, ch := range list.checks {
			prefix := fmt.Sprintf("%s[%d]", list.name, i)
			if ch.Name == "" {
				add(prefix+".name", "is required")
			} else if seen[ch.Name] {
				add(prefix+".name", "duplicate check name %q", ch.Name)
			}
			seen[ch.Name] = true
			if ch.Command == "" {
				add(prefix+".command", "is required")
			}
			if !recognizedParsers[ch.Parser] {
				add(prefix+".parser", "unrecognized parser %q", ch.Parser)
			}
			for _, k := range ch.Kinds {
				if !recognizedKinds[k] {
					add(prefix+".kinds", "unrecognized change kind %q", k)
				}
			}
			if ch.SeverityThreshold != "error" && ch.SeverityThreshold != "warning" {
				add(prefix+".severity_threshold", "must be error or warning, got %q", ch.SeverityThreshold)
			}
		}
	}

	for i, pattern := range cfg.Validators.Secrets.Allow {
		if _, err := regexp.Compile(pattern); err != nil {
			add(fmt.Sprintf("validators.secrets.allow[%d]", i), "invalid pattern: %v", err)
		}
	}

	for _, kind := range sortedKeys(cfg.Deploy.Commands) {
		dc := cfg.Deploy.Commands[kind]
		if !recognizedKinds[kind] || kind == "parameter" {
			add("deploy.commands."+kind, "unrecognized change kind (parameters deploy through SSM)")
			continue
		}
		if dc.Apply == "" {
			add("deploy.commands."+kind+".apply", "is required")
		}
	}

	switch cfg.VCS.PRBackend {
	case PRBackendGH, PRBackendNone:
	case PRBackendAPI:
		if cfg.VCS.Owner == "" {
			add("vcs.owner", "is required for the api pull request backend")
		}
		if cfg.VCS.Repo == "" {
			add("vcs.repo", "is required for the api pull request backend")
		}
	default:
		add("vcs.pr_backend", "must be api, gh or none, got %q", cfg.VCS.PRBackend)
	}

	switch cfg.LLM.Provider {
	case "none":
	case "anthropic", "openai", "ollama":
		if cfg.LLM.Model == "" {
			add("llm.model", "is required when llm.provider is %s", cfg.LLM.Provider)
		}
	default:
		add("llm.provider", "must be none, anthropic, openai or ollama, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.RequestsPerMinute < 0 {
		add("llm.requests_per_minute", "must not be negative")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		add("logging.format", "must be json or console, got %q", cfg.Logging.Format)
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
