package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g.
// INFRAFACTORY_PIPELINE_MAX_RETRIES -> pipeline.max_retries.
const EnvPrefix = "INFRAFACTORY_"

// Load reads and parses a configuration from the given YAML file path, then
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./infrafactory.yaml, ~/.infrafactory/config.yaml.
// When neither exists the built-in defaults are used.
func LoadDefault() (*Config, string, error) {
	candidates := []string{"infrafactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".infrafactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	cfg, err := Parse(nil)
	return cfg, "", err
}

// Parse builds a Config from raw YAML bytes (which may be empty) plus
// INFRAFACTORY_* environment variables.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	// Split on the first underscore only so field names keep theirs:
	// INFRAFACTORY_VCS_TOKEN_ENV -> vcs.token_env
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills every unset value with its built-in default.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.Name == "" {
		p.Name = "infrafactory"
	}
	if p.RepoDir == "" {
		p.RepoDir = "."
	}
	if p.ArtifactsDir == "" {
		p.ArtifactsDir = filepath.Join(p.RepoDir, ".infrafactory", "requests")
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.HighImpactFileCount == 0 {
		p.HighImpactFileCount = 5
	}
	if p.RollbackPolicy == "" {
		p.RollbackPolicy = RollbackAllPrior
	}

	if cfg.Environments == nil {
		cfg.Environments = map[string]Environment{}
	}
	for name, def := range defaultEnvironments {
		e, ok := cfg.Environments[name]
		if !ok {
			cfg.Environments[name] = def
			continue
		}
		if e.TargetBranch == "" {
			e.TargetBranch = def.TargetBranch
			cfg.Environments[name] = e
		}
	}

	if cfg.Approval.Plan == "" {
		cfg.Approval.Plan = ApprovalAuto
	}
	if cfg.Approval.Deploy == "" {
		cfg.Approval.Deploy = ApprovalAlways
	}

	c := &cfg.Collaborators
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Retries == 0 {
		c.Retries = 2
	}
	if c.Backoff == 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}

	v := &cfg.Validators
	if v.Lint == nil {
		v.Lint = []Check{
			{Name: "cfn-lint", Command: "cfn-lint --format json {{files}}", Parser: "cfn-lint", Kinds: []string{"cloudformation"}},
			{Name: "kube-linter", Command: "kube-linter lint --format json {{files}}", Parser: "kube-linter", Kinds: []string{"kubernetes", "helm"}},
		}
	}
	if v.Policy == nil {
		v.Policy = []Check{
			{Name: "checkov", Command: "checkov --quiet --output json --file {{files}}", Parser: "checkov", Kinds: []string{"cloudformation", "kubernetes"}},
		}
	}
	for _, list := range [][]Check{v.Lint, v.Policy} {
		for i := range list {
			if list[i].Timeout == 0 {
				list[i].Timeout = c.Timeout
			}
			if list[i].Parser == "" {
				list[i].Parser = "generic"
			}
			if list[i].SeverityThreshold == "" {
				list[i].SeverityThreshold = "error"
			}
		}
	}

	d := &cfg.Deploy
	if d.Commands == nil {
		d.Commands = map[string]DeployCommand{}
	}
	for kind, def := range defaultDeployCommands {
		if _, ok := d.Commands[kind]; !ok {
			d.Commands[kind] = def
		}
	}
	for kind, dc := range d.Commands {
		if dc.Timeout == 0 {
			dc.Timeout = 10 * time.Minute
			d.Commands[kind] = dc
		}
	}
	if d.Parameters.Prefix == "" {
		d.Parameters.Prefix = "/infrafactory"
	}
	if d.CheckTimeout == 0 {
		d.CheckTimeout = time.Minute
	}

	if cfg.Costs == nil {
		cfg.Costs = map[string]float64{}
		for k, v := range defaultCosts {
			cfg.Costs[k] = v
		}
	}

	if cfg.VCS.Remote == "" {
		cfg.VCS.Remote = "origin"
	}
	if cfg.VCS.AuthorName == "" {
		cfg.VCS.AuthorName = "infrafactory"
	}
	if cfg.VCS.AuthorEmail == "" {
		cfg.VCS.AuthorEmail = "infrafactory@localhost"
	}
	if cfg.VCS.TokenEnv == "" {
		cfg.VCS.TokenEnv = "GITHUB_TOKEN"
	}
	if cfg.VCS.PRBackend == "" {
		cfg.VCS.PRBackend = PRBackendGH
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "none"
	}
	if cfg.LLM.RequestsPerMinute == 0 {
		cfg.LLM.RequestsPerMinute = 30
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}

	if cfg.Archive.S3Prefix == "" {
		cfg.Archive.S3Prefix = "infrafactory/requests"
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = "infrafactory.pipeline"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Rollback policies.
const (
	RollbackAllPrior   = "all_prior"
	RollbackFailedOnly = "failed_only"
)

// Approval modes.
const (
	ApprovalAuto   = "auto"
	ApprovalAlways = "always"
	ApprovalNever  = "never"
)

// Pull request backends.
const (
	PRBackendAPI  = "api"
	PRBackendGH   = "gh"
	PRBackendNone = "none"
)

var defaultEnvironments = map[string]Environment{
	"dev": {TargetBranch: "develop"},
	"tst": {TargetBranch: "develop"},
	"prd": {TargetBranch: "main", Restrictive: true},
}

var defaultDeployCommands = map[string]DeployCommand{
	"kubernetes": {
		Apply:        "kubectl apply -f {{path}}",
		Delete:       "kubectl delete -f {{path}} --ignore-not-found",
		Revert:       "kubectl rollout undo -f {{path}}",
		RevertCreate: "kubectl delete -f {{path}} --ignore-not-found",
	},
	"helm": {
		Apply:        "helm upgrade --install {{resource}} {{chart}} -f {{path}} --wait",
		Delete:       "helm uninstall {{resource}}",
		Revert:       "helm rollback {{resource}}",
		RevertCreate: "helm uninstall {{resource}}",
	},
	"cloudformation": {
		Apply:        "aws cloudformation deploy --stack-name {{resource}} --template-file {{path}} --no-fail-on-empty-changeset",
		Delete:       "aws cloudformation delete-stack --stack-name {{resource}}",
		Revert:       "aws cloudformation rollback-stack --stack-name {{resource}}",
		RevertCreate: "aws cloudformation delete-stack --stack-name {{resource}}",
	},
}

var defaultCosts = map[string]float64{
	"AWS::EC2::Instance":             70,
	"AWS::RDS::DBInstance":           180,
	"AWS::ElastiCache::CacheCluster": 50,
	"AWS::S3::Bucket":                5,
	"AWS::Lambda::Function":          2,
	"AWS::SQS::Queue":                1,
	"Deployment":                     30,
	"StatefulSet":                    45,
	"DaemonSet":                      25,
	"Ingress":                        18,
	"PersistentVolumeClaim":          10,

	"AWS::ElasticLoadBalancingV2::LoadBalancer": 18,
}
