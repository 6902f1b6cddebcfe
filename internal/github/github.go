// Package github finds and opens pull requests, either through the gh CLI or
// the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct {
	Dir string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CLIClient manages pull requests through the gh CLI.
type CLIClient struct {
	cmd CmdRunner
}

// NewCLIClient creates a gh-backed client.
func NewCLIClient(cmd CmdRunner) *CLIClient {
	return &CLIClient{cmd: cmd}
}

type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
	State       string `json:"state"`
}

// FindPullRequest returns the most recent pull request whose head is
// branch, in any state. It returns nil, nil when none exists.
func (c *CLIClient) FindPullRequest(ctx context.Context, branch string) (*contract.PullRequest, error) {
	if err := validateBranch(branch); err != nil {
		return nil, err
	}
	out, err := c.cmd.Run(ctx, "pr", "list", "--head", branch, "--state", "all",
		"--json", "number,url,title,headRefName,baseRefName,state", "--limit", "1")
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []ghPR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	p := prs[0]
	return &contract.PullRequest{
		Number:       p.Number,
		URL:          p.URL,
		Title:        p.Title,
		SourceBranch: p.HeadRefName,
		TargetBranch: p.BaseRefName,
		State:        prState(p.State, false),
	}, nil
}

// OpenPullRequest creates a pull request from head into base.
func (c *CLIClient) OpenPullRequest(ctx context.Context, title, body, head, base string) (*contract.PullRequest, error) {
	if err := validateBranch(head); err != nil {
		return nil, err
	}
	args := []string{"pr", "create", "--title", title, "--body", body, "--head", head}
	if base != "" {
		args = append(args, "--base", base)
	}

	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	url := lastLine(out)
	return &contract.PullRequest{
		Number:       numberFromURL(url),
		URL:          url,
		Title:        title,
		SourceBranch: head,
		TargetBranch: base,
		State:        contract.PROpen,
	}, nil
}

var pullNumberRe = regexp.MustCompile(`/pull/(\d+)`)

func numberFromURL(url string) int {
	m := pullNumberRe.FindStringSubmatch(url)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// lastLine returns the final non-empty line; gh prints progress before the URL.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func prState(state string, merged bool) contract.PRState {
	switch {
	case merged || strings.EqualFold(state, "merged"):
		return contract.PRMerged
	case strings.EqualFold(state, "closed"):
		return contract.PRClosed
	default:
		return contract.PROpen
	}
}

func validateBranch(branch string) error {
	if branch == "" || strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must be non-empty and not start with -", branch)
	}
	return nil
}
