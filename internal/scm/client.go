// Package scm talks to the source-control host: issues, pull requests and
// check runs. The interface is narrow so tests can substitute a fake without
// a network in the loop.
package scm

import "context"

// CheckRun is the reduced view of a CI check attached to a commit.
type CheckRun struct {
	Name       string
	Status     string // queued | in_progress | completed
	Conclusion string // success | failure | neutral | skipped | cancelled | timed_out | action_required
}

// Issue is the reduced view returned from issue creation.
type Issue struct {
	Number  int
	HTMLURL string
}

// PullRequest is the reduced view returned from PR creation.
type PullRequest struct {
	Number  int
	HTMLURL string
	HeadSHA string
}

// WebhookInfo is the reduced view of a repository webhook.
type WebhookInfo struct {
	ID     int64
	URL    string
	Active bool
}

type Client interface {
	// CreateIssue opens a new issue and returns its number and URL.
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error)

	// CloseIssue closes an issue. When notPlanned is set the close reason is
	// recorded as "not planned" rather than "completed".
	CloseIssue(ctx context.Context, owner, repo string, number int, notPlanned bool) error

	ReopenIssue(ctx context.Context, owner, repo string, number int) error

	AddIssueComment(ctx context.Context, owner, repo string, number int, body string) error

	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error

	// ListWebhooks returns the hooks configured on the repository.
	ListWebhooks(ctx context.Context, owner, repo string) ([]WebhookInfo, error)

	// ListCheckRuns returns every check run attached to the given commit.
	ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]CheckRun, error)

	CreatePullRequest(ctx context.Context, owner, repo, title, body, head, base string) (*PullRequest, error)

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}
