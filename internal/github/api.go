package github

import (
	"context"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// APIClient manages pull requests through the GitHub REST API.
type APIClient struct {
	client *gh.Client
	owner  string
	repo   string
}

// NewAPIClient creates an API-backed client authenticated with token.
func NewAPIClient(ctx context.Context, token, owner, repo string) *APIClient {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	return &APIClient{client: gh.NewClient(hc), owner: owner, repo: repo}
}

// newAPIClientWith wraps an existing go-github client (for testing).
func newAPIClientWith(client *gh.Client, owner, repo string) *APIClient {
	return &APIClient{client: client, owner: owner, repo: repo}
}

// FindPullRequest returns the most recent pull request whose head is
// branch, in any state. It returns nil, nil when none exists.
func (c *APIClient) FindPullRequest(ctx context.Context, branch string) (*contract.PullRequest, error) {
	if err := validateBranch(branch); err != nil {
		return nil, err
	}
	prs, _, err := c.client.PullRequests.List(ctx, c.owner, c.repo, &gh.PullRequestListOptions{
		Head:        c.owner + ":" + branch,
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return fromAPI(prs[0]), nil
}

// OpenPullRequest creates a pull request from head into base.
func (c *APIClient) OpenPullRequest(ctx context.Context, title, body, head, base string) (*contract.PullRequest, error) {
	if err := validateBranch(head); err != nil {
		return nil, err
	}
	pr, _, err := c.client.PullRequests.Create(ctx, c.owner, c.repo, &gh.NewPullRequest{
		Title: gh.String(title),
		Body:  gh.String(body),
		Head:  gh.String(head),
		Base:  gh.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return fromAPI(pr), nil
}

func fromAPI(pr *gh.PullRequest) *contract.PullRequest {
	return &contract.PullRequest{
		Number:       pr.GetNumber(),
		URL:          pr.GetHTMLURL(),
		Title:        pr.GetTitle(),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		State:        prState(pr.GetState(), pr.GetMerged() || pr.MergedAt != nil),
	}
}
