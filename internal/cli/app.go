package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/archive"
	"github.com/lucasnoah/infrafactory/internal/checks"
	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/db"
	"github.com/lucasnoah/infrafactory/internal/gate"
	"github.com/lucasnoah/infrafactory/internal/github"
	"github.com/lucasnoah/infrafactory/internal/llm"
	"github.com/lucasnoah/infrafactory/internal/logging"
	"github.com/lucasnoah/infrafactory/internal/notify"
	"github.com/lucasnoah/infrafactory/internal/orchestrator"
	"github.com/lucasnoah/infrafactory/internal/pipeline"
	"github.com/lucasnoah/infrafactory/internal/provision"
	"github.com/lucasnoah/infrafactory/internal/router"
	"github.com/lucasnoah/infrafactory/internal/stage"
	"github.com/lucasnoah/infrafactory/internal/validate"
	"github.com/lucasnoah/infrafactory/internal/vcs"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *pipeline.Store
	db       *db.DB
	notifier *notify.NATS
	engine   *orchestrator.Engine
}

type appOptions struct {
	// engine builds the stage collaborators; read-only commands skip it.
	engine   bool
	approver gate.Approver
	progress io.Writer
}

// newApp loads and validates configuration and wires the optional
// infrastructure. Event log and NATS connection failures are logged and
// the command continues without them.
func newApp(ctx context.Context, opts appOptions) (*app, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}

	a := &app{cfg: cfg, log: log, store: pipeline.NewStore(cfg.Pipeline.ArtifactsDir)}
	cleanup := func() {
		if a.notifier != nil {
			a.notifier.Close()
		}
		if a.db != nil {
			a.db.Close()
		}
		_ = log.Sync()
	}

	if cfg.Archive.S3Bucket != "" {
		client, err := archive.NewS3Client(ctx, cfg.Archive.Region)
		if err != nil {
			log.Warn("artifact mirror disabled", zap.Error(err))
		} else {
			a.store.SetMirror(archive.NewS3Mirror(client, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix), log)
		}
	}

	if cfg.Database.URL != "" {
		if d, err := openDB(ctx, cfg); err != nil {
			log.Warn("event log disabled", zap.Error(err))
		} else {
			a.db = d
		}
	}

	if cfg.Notify.NATSURL != "" {
		if n, err := notify.Connect(cfg.Notify.NATSURL, cfg.Notify.Subject); err != nil {
			log.Warn("transition notifications disabled", zap.Error(err))
		} else {
			a.notifier = n
		}
	}

	if opts.engine {
		stages, err := buildStages(ctx, cfg, log)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		eo := orchestrator.Options{
			Approver: opts.approver,
			Logger:   log,
			Progress: opts.progress,
		}
		// Typed nils must not reach the engine's interfaces.
		if a.db != nil {
			eo.Recorder = a.db
		}
		if a.notifier != nil {
			eo.Notifier = a.notifier
		}
		a.engine = orchestrator.New(a.store, stages, orchestrator.PolicyFromConfig(cfg), eo)
	}
	return a, cleanup, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// buildStages constructs every stage collaborator from configuration.
func buildStages(ctx context.Context, cfg *config.Config, log *zap.Logger) (orchestrator.Stages, error) {
	policy := collab.FromConfig(cfg.Collaborators)

	client, err := llm.New(cfg.LLM, llm.Options{PromptsDir: cfg.Pipeline.PromptsDir, Logger: log})
	if err != nil {
		return orchestrator.Stages{}, fmt.Errorf("llm: %w", err)
	}
	var (
		classifier router.Classifier
		planner    stage.Planner
		generator  stage.ContentGenerator
		query      stage.QueryHandler
	)
	if client != nil {
		classifier, planner, generator, query = client, client, client, client
	} else {
		log.Warn("llm.provider is none: routing uses keywords only and change requests cannot be planned")
	}

	targets := map[contract.Environment]string{}
	restrictive := map[contract.Environment]bool{}
	for name, env := range cfg.Environments {
		targets[contract.Environment(name)] = env.TargetBranch
		restrictive[contract.Environment(name)] = env.Restrictive
	}

	token := os.Getenv(cfg.VCS.TokenEnv)
	var repo stage.Repository
	if r, err := vcs.Open(cfg.Pipeline.RepoDir, vcs.Options{
		Remote:      cfg.VCS.Remote,
		AuthorName:  cfg.VCS.AuthorName,
		AuthorEmail: cfg.VCS.AuthorEmail,
		Token:       token,
	}); err != nil {
		log.Warn("repository unavailable; changes will not be committed", zap.String("dir", cfg.Pipeline.RepoDir), zap.Error(err))
	} else {
		repo = r
	}

	var prs stage.PullRequests
	switch cfg.VCS.PRBackend {
	case config.PRBackendAPI:
		prs = github.NewAPIClient(ctx, token, cfg.VCS.Owner, cfg.VCS.Repo)
	case config.PRBackendGH:
		prs = github.NewCLIClient(&github.ExecRunner{Dir: cfg.Pipeline.RepoDir})
	}

	runner := checks.NewRunner(&checks.ExecRunner{})
	lint := validate.NewCommandValidator("lint", cfg.Validators.Lint, runner, cfg.Validators.Workdir)
	secrets, err := validate.NewSecretValidator(cfg.Validators.Secrets.Allow)
	if err != nil {
		return orchestrator.Stages{}, fmt.Errorf("secrets validator: %w", err)
	}
	battery := []stage.Validator{
		lint,
		validate.NewSchemaValidator(cfg.Validators.Schema.RequireLimits),
		validate.NewCommandValidator("policy", cfg.Validators.Policy, runner, cfg.Validators.Workdir),
		secrets,
	}

	shell := provision.NewShell(&checks.ExecRunner{}, cfg.Pipeline.RepoDir, cfg.Deploy.Commands)
	provisioners := provision.ByKind{
		contract.KindKubernetes:     shell,
		contract.KindHelm:           shell,
		contract.KindCloudFormation: shell,
	}
	if ssmClient, err := provision.NewSSMClient(ctx, cfg.Deploy.Parameters.Region); err != nil {
		log.Warn("parameter provisioning disabled", zap.Error(err))
	} else {
		p := cfg.Deploy.Parameters
		provisioners[contract.KindParameter] = provision.NewParameters(ssmClient, p.Prefix, p.Secure)
	}
	evaluator := checks.NewEvaluator(&checks.ExecRunner{}, cfg.Pipeline.RepoDir, cfg.Deploy.CheckTimeout)

	return orchestrator.Stages{
		Router: router.New(classifier, policy, log),
		Planning: stage.NewPlanning(planner, policy, stage.PlanningOptions{
			HighImpactFileCount: cfg.Pipeline.HighImpactFileCount,
			Restrictive:         restrictive,
		}, log),
		Implementation: stage.NewImplementation(stage.ImplementationDeps{
			Generator:    generator,
			Repo:         repo,
			PRs:          prs,
			Lint:         lint,
			TargetBranch: targets,
			Policy:       policy,
			Logger:       log,
		}),
		Review: stage.NewReview(battery, validate.NewCostTable(cfg.Costs), policy, cfg.Pipeline.MaxRetries, log),
		Deploy: stage.NewDeploy(provisioners, evaluator, policy, cfg.Pipeline.RollbackPolicy, log),
		Query:  query,
	}, nil
}
