package config

import "time"

// Config is the top-level configuration structure parsed from infrafactory YAML.
type Config struct {
	Pipeline      Pipeline               `yaml:"pipeline"`
	Environments  map[string]Environment `yaml:"environments"`
	Approval      Approval               `yaml:"approval"`
	Collaborators Collaborators          `yaml:"collaborators"`
	Validators    Validators             `yaml:"validators"`
	Deploy        Deploy                 `yaml:"deploy"`
	Costs         map[string]float64     `yaml:"costs"`
	VCS           VCS                    `yaml:"vcs"`
	LLM           LLM                    `yaml:"llm"`
	Database      Database               `yaml:"database"`
	Archive       Archive                `yaml:"archive"`
	Notify        Notify                 `yaml:"notify"`
	Server        Server                 `yaml:"server"`
	Logging       Logging                `yaml:"logging"`
}

// Pipeline holds engine-wide settings.
type Pipeline struct {
	Name                string        `yaml:"name"`
	RepoDir             string        `yaml:"repo_dir"`
	ArtifactsDir        string        `yaml:"artifacts_dir"`
	PromptsDir          string        `yaml:"prompts_dir"`
	MaxRetries          int           `yaml:"max_retries"`
	HighImpactFileCount int           `yaml:"high_impact_file_count"`
	RollbackPolicy      string        `yaml:"rollback_policy"`
	GateExpiry          time.Duration `yaml:"gate_expiry"`
}

// Environment describes one deployment target.
type Environment struct {
	TargetBranch string `yaml:"target_branch"`
	Restrictive  bool   `yaml:"restrictive"`
}

// Approval controls when each gate asks a human.
type Approval struct {
	Plan          string  `yaml:"plan"`
	Deploy        string  `yaml:"deploy"`
	CostThreshold float64 `yaml:"cost_threshold"`
}

// Collaborators bounds every call into an external collaborator.
type Collaborators struct {
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Check defines an external command whose output is parsed into findings.
type Check struct {
	Name              string        `yaml:"name"`
	Command           string        `yaml:"command"`
	Parser            string        `yaml:"parser"`
	Kinds             []string      `yaml:"kinds"`
	Timeout           time.Duration `yaml:"timeout"`
	SeverityThreshold string        `yaml:"severity_threshold"`
}

// Validators configures the review battery.
type Validators struct {
	Lint    []Check      `yaml:"lint"`
	Policy  []Check      `yaml:"policy"`
	Schema  SchemaCheck  `yaml:"schema"`
	Secrets SecretsCheck `yaml:"secrets"`
	Workdir string       `yaml:"workdir"`
}

// SchemaCheck configures the built-in workload schema validator.
type SchemaCheck struct {
	RequireLimits bool `yaml:"require_limits"`
}

// SecretsCheck configures the secret-exposure scan.
type SecretsCheck struct {
	Allow []string `yaml:"allow"`
}

// DeployCommand holds the shell templates used to apply and revert one change kind.
type DeployCommand struct {
	Apply        string        `yaml:"apply"`
	Delete       string        `yaml:"delete"`
	Revert       string        `yaml:"revert"`
	RevertCreate string        `yaml:"revert_create"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Parameters configures the SSM parameter provisioner.
type Parameters struct {
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
	Secure bool   `yaml:"secure"`
}

// Deploy configures provisioners and acceptance checks.
type Deploy struct {
	Commands     map[string]DeployCommand `yaml:"commands"`
	Parameters   Parameters               `yaml:"parameters"`
	CheckTimeout time.Duration            `yaml:"check_timeout"`
}

// VCS configures branching, commits and pull requests.
type VCS struct {
	Remote      string `yaml:"remote"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	TokenEnv    string `yaml:"token_env"`
	PRBackend   string `yaml:"pr_backend"`
	Owner       string `yaml:"owner"`
	Repo        string `yaml:"repo"`
}

// LLM configures the language-model backed collaborators.
type LLM struct {
	Provider          string `yaml:"provider"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	TokenEnv          string `yaml:"token_env"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	MaxTokens         int    `yaml:"max_tokens"`
}

// Database configures the PostgreSQL event log. An empty URL disables it.
type Database struct {
	URL string `yaml:"url"`
}

// Archive configures the S3 artifact mirror. An empty bucket disables it.
type Archive struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	Region   string `yaml:"region"`
}

// Notify configures NATS transition events. An empty URL disables them.
type Notify struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
