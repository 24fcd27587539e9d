package scm

import (
	"context"
	"fmt"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"
)

// GitHubClient adapts the GitHub REST API to the Client interface.
type GitHubClient struct {
	gh *github.Client
}

// NewGitHubClient builds a client authenticated with the given token.
// baseURL is for GitHub Enterprise installs; empty means github.com.
func NewGitHubClient(ctx context.Context, token, baseURL string) (*GitHubClient, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, src)
	gh := github.NewClient(hc)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("enterprise base url: %w", err)
		}
	}
	return &GitHubClient{gh: gh}, nil
}

func (c *GitHubClient) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	req := &github.IssueRequest{Title: &title, Body: &body}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, _, err := c.gh.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, fmt.Errorf("create issue in %s/%s: %w", owner, repo, err)
	}
	return &Issue{Number: issue.GetNumber(), HTMLURL: issue.GetHTMLURL()}, nil
}

func (c *GitHubClient) CloseIssue(ctx context.Context, owner, repo string, number int, notPlanned bool) error {
	state := "closed"
	req := &github.IssueRequest{State: &state}
	if notPlanned {
		reason := "not_planned"
		req.StateReason = &reason
	}
	if _, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, req); err != nil {
		return fmt.Errorf("close issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) ReopenIssue(ctx context.Context, owner, repo string, number int) error {
	state := "open"
	if _, _, err := c.gh.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{State: &state}); err != nil {
		return fmt.Errorf("reopen issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) AddIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	comment := &github.IssueComment{Body: &body}
	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, comment); err != nil {
		return fmt.Errorf("comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels); err != nil {
		return fmt.Errorf("label %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

func (c *GitHubClient) ListWebhooks(ctx context.Context, owner, repo string) ([]WebhookInfo, error) {
	var hooks []WebhookInfo
	opts := &github.ListOptions{PerPage: 100}
	for {
		result, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list webhooks for %s/%s: %w", owner, repo, err)
		}
		for _, h := range result {
			hooks = append(hooks, WebhookInfo{
				ID:     h.GetID(),
				URL:    h.GetConfig().GetURL(),
				Active: h.GetActive(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return hooks, nil
}

func (c *GitHubClient) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]CheckRun, error) {
	var runs []CheckRun
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("list check runs for %s/%s@%s: %w", owner, repo, sha, err)
		}
		for _, cr := range result.CheckRuns {
			runs = append(runs, CheckRun{
				Name:       cr.GetName(),
				Status:     cr.GetStatus(),
				Conclusion: cr.GetConclusion(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return runs, nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: &title,
		Body:  &body,
		Head:  &head,
		Base:  &base,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request in %s/%s: %w", owner, repo, err)
	}
	return &PullRequest{
		Number:  pr.GetNumber(),
		HTMLURL: pr.GetHTMLURL(),
		HeadSHA: pr.GetHead().GetSHA(),
	}, nil
}

func (c *GitHubClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repo %s/%s: %w", owner, repo, err)
	}
	return r.GetDefaultBranch(), nil
}

// ValidateSignature verifies an X-Signature-256 header ("sha256=<hex>")
// against the raw request body.
func ValidateSignature(signature string, body, secret []byte) error {
	return github.ValidateSignature(signature, body, secret)
}

var _ Client = (*GitHubClient)(nil)
