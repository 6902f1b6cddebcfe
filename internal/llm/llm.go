// Package llm backs the classifier, planner, content generator and query
// collaborators with a language model through langchaingo.
package llm

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/infrafactory/internal/config"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/prompt"
	"github.com/lucasnoah/infrafactory/internal/stage"
)

// Client renders prompt templates and sends them to a model.
type Client struct {
	model      llms.Model
	limiter    *rate.Limiter
	maxTokens  int
	promptsDir string
	log        *zap.Logger
}

// Options tunes a Client.
type Options struct {
	MaxTokens         int
	RequestsPerMinute int
	PromptsDir        string
	Logger            *zap.Logger
}

// New builds a Client for the configured provider. It returns nil, nil when
// the provider is "none".
func New(cfg config.LLM, opts Options) (*Client, error) {
	model, err := newModel(cfg)
	if err != nil || model == nil {
		return nil, err
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = cfg.MaxTokens
	}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = cfg.RequestsPerMinute
	}
	return NewWithModel(model, opts), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(model llms.Model, opts Options) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		model:      model,
		limiter:    rate.NewLimiter(limit, 1),
		maxTokens:  opts.MaxTokens,
		promptsDir: opts.PromptsDir,
		log:        opts.Logger,
	}
}

func newModel(cfg config.LLM) (llms.Model, error) {
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "anthropic":
		if token == "" {
			token = os.Getenv("ANTHROPIC_API_KEY")
		}
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model), anthropic.WithToken(token)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case "openai":
		if token == "" {
			token = os.Getenv("OPENAI_API_KEY")
		}
		opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(token)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// complete renders template name with vars and returns the model's reply.
func (c *Client) complete(ctx context.Context, name string, vars prompt.Vars) (string, error) {
	text, err := prompt.LoadAndRender(name, c.promptsDir, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := c.model.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, text)},
		llms.WithMaxTokens(c.maxTokens),
		llms.WithTemperature(0),
	)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", strings.TrimSuffix(name, ".md"), err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion: empty response", strings.TrimSuffix(name, ".md"))
	}
	c.log.Debug("llm completion",
		zap.String("template", name),
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_bytes", len(text)),
	)
	return resp.Choices[0].Content, nil
}

// Classify implements router.Classifier.
func (c *Client) Classify(ctx context.Context, text string) (contract.Route, error) {
	out, err := c.complete(ctx, prompt.Classify, prompt.Vars{"request": text})
	if err != nil {
		return "", err
	}
	word := strings.ToUpper(strings.Trim(strings.TrimSpace(firstField(out)), ".,:;!\"'`*"))
	switch word {
	case "CHANGE":
		return contract.RouteFullPipeline, nil
	case "QUERY":
		return contract.RouteDirectQuery, nil
	case "CONVERSATION":
		return contract.RouteNoop, nil
	}
	return "", fmt.Errorf("unexpected classification %q", clip(out, 80))
}

// Draft implements stage.Planner.
func (c *Client) Draft(ctx context.Context, req contract.Request) (*stage.PlanDraft, error) {
	out, err := c.complete(ctx, prompt.Plan, prompt.Vars{
		"request":     req.Description,
		"environment": string(req.Environment),
		"context":     "",
	})
	if err != nil {
		return nil, err
	}
	var draft stage.PlanDraft
	if err := yaml.Unmarshal([]byte(StripFences(out)), &draft); err != nil {
		return nil, fmt.Errorf("parse plan draft: %w", err)
	}
	return &draft, nil
}

// Generate implements stage.ContentGenerator.
func (c *Client) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	var reqs strings.Builder
	for _, r := range req.Plan.Requirements {
		fmt.Fprintf(&reqs, "- %s: %s\n", r.ID, r.Description)
	}
	var feedback strings.Builder
	for _, f := range req.Feedback {
		loc := f.Path
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.Path, f.Line)
		}
		fmt.Fprintf(&feedback, "- [%s] %s %s", f.Validator, loc, f.Message)
		if f.Remediation != "" {
			fmt.Fprintf(&feedback, " (fix: %s)", f.Remediation)
		}
		feedback.WriteString("\n")
	}

	out, err := c.complete(ctx, prompt.Generate, prompt.Vars{
		"summary":      req.Plan.Summary,
		"environment":  string(req.Request.Environment),
		"path":         req.Target.Path,
		"kind":         string(req.Target.Kind),
		"operation":    string(req.Target.Operation),
		"resource":     req.Target.Resource,
		"description":  req.Target.Description,
		"requirements": reqs.String(),
		"current":      req.Current,
		"feedback":     feedback.String(),
	})
	if err != nil {
		return "", err
	}
	return StripFences(out), nil
}

// Answer implements stage.QueryHandler.
func (c *Client) Answer(ctx context.Context, req contract.Request) (string, error) {
	out, err := c.complete(ctx, prompt.Query, prompt.Vars{
		"request":     req.Description,
		"environment": string(req.Environment),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*\\n(.*?)\\n?```\\s*$")

// StripFences removes a single surrounding markdown code fence.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1] + "\n"
	}
	return strings.TrimSpace(s) + "\n"
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
