package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/infrafactory/internal/collab"
	"github.com/lucasnoah/infrafactory/internal/contract"
	"github.com/lucasnoah/infrafactory/internal/validate"
	"github.com/lucasnoah/infrafactory/internal/vcs"
)

// Implementation generates content for every file target, self-checks it,
// and lands it on a feature branch with a pull request.
type Implementation struct {
	progress
	gen     ContentGenerator
	repo    Repository
	prs     PullRequests
	lint    Validator
	policy  collab.Policy
	targets map[contract.Environment]string
	log     *zap.Logger
}

// ImplementationDeps groups the implementation stage's collaborators. Repo,
// PRs and Lint may be nil; their absence is recorded in the result notes.
type ImplementationDeps struct {
	Generator    ContentGenerator
	Repo         Repository
	PRs          PullRequests
	Lint         Validator
	TargetBranch map[contract.Environment]string
	Policy       collab.Policy
	Logger       *zap.Logger
}

// NewImplementation creates the implementation stage.
func NewImplementation(d ImplementationDeps) *Implementation {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Implementation{
		gen:     d.Generator,
		repo:    d.Repo,
		prs:     d.PRs,
		lint:    d.Lint,
		policy:  d.Policy,
		targets: d.TargetBranch,
		log:     log,
	}
}

// Run performs one implementation attempt. previous is the prior attempt's
// result (nil on the first attempt) and feedback the blocking findings that
// sent the pipeline back here. Collaborator failures are recorded in the
// result, never returned.
func (s *Implementation) Run(ctx context.Context, req contract.Request, plan *contract.Plan, attempt int, previous *contract.ImplementationResult, feedback []contract.Finding) (*contract.ImplementationResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("implementation requires a plan")
	}
	planRef, err := contract.Digest(plan)
	if err != nil {
		return nil, err
	}

	res := &contract.ImplementationResult{
		RequestID: req.ID,
		PlanRef:   planRef,
		Attempt:   attempt,
		Commit:    contract.Commit{Branch: vcs.BranchName(req.Environment, req.ID)},
	}
	note := func(format string, args ...any) {
		res.Notes = append(res.Notes, fmt.Sprintf(format, args...))
	}

	s.logf("attempt %d: generating %d files", attempt, len(plan.FileTargets))
	for _, t := range plan.FileTargets {
		change, err := s.generate(ctx, req, plan, t, previous, feedback)
		if err != nil {
			s.collabFailed("generator", err)
			note("generate %s: %v", t.Path, err)
			continue
		}
		res.Changes = append(res.Changes, *change)
	}

	// Self-checks are advisory; review is authoritative.
	syntaxErrs := validate.SyntaxErrors(res.Changes)
	res.SyntaxValid = len(res.Changes) > 0 && len(syntaxErrs) == 0
	for _, e := range syntaxErrs {
		note("syntax: %v", e)
	}
	res.PolicyLintPassed = s.selfLint(ctx, res.Changes, note)

	if len(res.Changes) == 0 {
		note("no changes generated; nothing committed")
		res.CreatedAt = s.clock()
		return res, nil
	}
	if s.repo == nil {
		note("no repository configured; changes not committed")
		res.CreatedAt = s.clock()
		return res, nil
	}

	base := s.targets[req.Environment]
	branch, existed, err := s.repo.EnsureBranch(res.Commit.Branch, base)
	if err != nil {
		s.collabFailed("vcs", err)
		note("branch %s: %v", res.Commit.Branch, err)
		res.CreatedAt = s.clock()
		return res, nil
	}
	res.Commit.Branch = branch
	if existed {
		s.logf("reusing existing branch %s", branch)
	}

	res.Commit.Message = commitMessage(req, plan, attempt)
	sha, created, err := s.repo.CommitChanges(res.Changes, res.Commit.Message)
	if err != nil {
		s.collabFailed("vcs", err)
		note("commit: %v", err)
		res.CreatedAt = s.clock()
		return res, nil
	}
	res.Commit.SHA = sha
	if !created {
		note("working tree already matched; reusing commit %s", shortSHA(sha))
	}

	pushed, err := collab.Call(ctx, s.policy, "push", func(ctx context.Context) (bool, error) {
		return s.repo.Push(ctx, branch)
	})
	if err != nil {
		s.collabFailed("push", err)
		note("push %s: %v", branch, err)
	}
	res.Commit.Pushed = pushed
	if err == nil && !pushed {
		note("no remote configured; branch not pushed")
	}

	if pushed {
		res.PullRequest = s.pullRequest(ctx, req, plan, branch, base, note)
	}
	s.logf("attempt %d: %d changes on %s (%s)", attempt, len(res.Changes), branch, shortSHA(sha))
	res.CreatedAt = s.clock()
	return res, nil
}

func (s *Implementation) generate(ctx context.Context, req contract.Request, plan *contract.Plan, t contract.FileTarget, previous *contract.ImplementationResult, feedback []contract.Finding) (*contract.CodeChange, error) {
	current := s.currentContent(t.Path, previous)

	// A deletion keeps the removed content so review can price it.
	if t.Operation == contract.OpDelete {
		return &contract.CodeChange{
			Path:         t.Path,
			Kind:         t.Kind,
			LinesRemoved: countLines(current),
			Summary:      describe(t),
			Content:      current,
			Deleted:      true,
		}, nil
	}
	if s.gen == nil {
		return nil, errors.New("no content generator configured")
	}

	content, err := collab.Call(ctx, s.policy, "generator", func(ctx context.Context) (string, error) {
		return s.gen.Generate(ctx, GenerateRequest{
			Request:  req,
			Plan:     plan,
			Target:   t,
			Current:  current,
			Feedback: feedbackFor(t.Path, feedback),
		})
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("generator returned empty content")
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	added, removed := diffLines(current, content)
	return &contract.CodeChange{
		Path:         t.Path,
		Kind:         t.Kind,
		LinesAdded:   added,
		LinesRemoved: removed,
		Summary:      describe(t),
		Content:      content,
	}, nil
}

// currentContent prefers the previous attempt's output, then the file in
// the working tree.
func (s *Implementation) currentContent(path string, previous *contract.ImplementationResult) string {
	if previous != nil {
		if c := previous.ChangeFor(path); c != nil && !c.Deleted {
			return c.Content
		}
	}
	if s.repo == nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(s.repo.Dir(), filepath.FromSlash(path)))
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Implementation) selfLint(ctx context.Context, changes []contract.CodeChange, note func(string, ...any)) bool {
	if s.lint == nil {
		note("policy lint not configured")
		return false
	}
	if len(changes) == 0 {
		return false
	}
	findings, err := collab.Call(ctx, s.policy.NoRetry(), s.lint.Name(), func(ctx context.Context) ([]contract.Finding, error) {
		return s.lint.Validate(ctx, changes)
	})
	if err != nil {
		note("policy lint did not run: %v", err)
		return false
	}
	for _, f := range findings {
		if f.Severity == contract.SeverityBlocking {
			return false
		}
	}
	return true
}

func (s *Implementation) pullRequest(ctx context.Context, req contract.Request, plan *contract.Plan, branch, base string, note func(string, ...any)) *contract.PullRequest {
	if s.prs == nil {
		note("pull requests disabled")
		return nil
	}
	existing, err := collab.Call(ctx, s.policy, "pull-requests", func(ctx context.Context) (*contract.PullRequest, error) {
		return s.prs.FindPullRequest(ctx, branch)
	})
	if err != nil {
		s.collabFailed("pull-requests", err)
		note("look up pull request for %s: %v", branch, err)
		return nil
	}
	if existing != nil && existing.State == contract.PROpen {
		s.logf("reusing pull request #%d", existing.Number)
		return existing
	}

	// Opening is not retried: a timed-out create may still have succeeded.
	pr, err := collab.Call(ctx, s.policy.NoRetry(), "pull-requests", func(ctx context.Context) (*contract.PullRequest, error) {
		return s.prs.OpenPullRequest(ctx, prTitle(req, plan), prBody(req, plan), branch, base)
	})
	if err != nil {
		s.collabFailed("pull-requests", err)
		note("open pull request: %v", err)
		return nil
	}
	s.logf("opened pull request #%d", pr.Number)
	return pr
}

func feedbackFor(path string, feedback []contract.Finding) []contract.Finding {
	var out []contract.Finding
	for _, f := range feedback {
		if f.Path == "" || f.Path == path {
			out = append(out, f)
		}
	}
	return out
}

func describe(t contract.FileTarget) string {
	if t.Description != "" {
		return t.Description
	}
	return fmt.Sprintf("%s %s", t.Operation, t.Path)
}

func commitMessage(req contract.Request, plan *contract.Plan, attempt int) string {
	summary := plan.Summary
	if summary == "" {
		summary = firstLine(req.Description)
	}
	return fmt.Sprintf("infrafactory(%s): %s\n\nRequest: %s\nAttempt: %d\n", req.Environment, summary, req.ID, attempt)
}

func prTitle(req contract.Request, plan *contract.Plan) string {
	title := plan.Summary
	if title == "" {
		title = firstLine(req.Description)
	}
	if len(title) > 72 {
		title = title[:69] + "..."
	}
	return fmt.Sprintf("[%s] %s", req.Environment, title)
}

func prBody(req contract.Request, plan *contract.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request `%s` (%s, impact %s)\n\n", req.ID, req.Environment, plan.Impact)
	fmt.Fprintf(&b, "> %s\n\n## Requirements\n\n", firstLine(req.Description))
	for _, r := range plan.Requirements {
		fmt.Fprintf(&b, "- **%s** %s\n", r.ID, r.Description)
	}
	b.WriteString("\n## Files\n\n")
	for _, t := range plan.FileTargets {
		fmt.Fprintf(&b, "- `%s` (%s, %s)\n", t.Path, t.Kind, t.Operation)
	}
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(strings.TrimSuffix(s, "\n"), "\n"))
}

// diffLines counts added and removed lines by multiset difference.
func diffLines(before, after string) (added, removed int) {
	seen := map[string]int{}
	if before != "" {
		for _, l := range strings.Split(strings.TrimSuffix(before, "\n"), "\n") {
			seen[l]++
		}
	}
	if after != "" {
		for _, l := range strings.Split(strings.TrimSuffix(after, "\n"), "\n") {
			if seen[l] > 0 {
				seen[l]--
				continue
			}
			added++
		}
	}
	for _, n := range seen {
		removed += n
	}
	return added, removed
}
