package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	otelapi "go.opentelemetry.io/otel"

	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
)

// Reduced views of the SCM webhook payloads; only the fields the state
// machine reads.

type scmRepository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Repository scmRepository `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			SHA string `json:"sha"`
		} `json:"head"`
		MergeCommitSHA string `json:"merge_commit_sha"`
	} `json:"pull_request"`
	Repository scmRepository `json:"repository"`
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		HeadSHA    string `json:"head_sha"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
	Repository scmRepository `json:"repository"`
}

// backRefPattern matches the literal issue back-references the SCM itself
// understands. Anything else does not link a PR to a task.
var backRefPattern = regexp.MustCompile(`(?i)\b(?:fixes|closes|resolves)\s+#(\d+)`)

// ApplySCMEvent folds one verified SCM webhook event into the state machine.
// Unknown actions are ignored; transitions on terminal tasks are suppressed by
// the store.
func (p *Pipeline) ApplySCMEvent(ctx context.Context, eventName string, body []byte) error {
	ctx, span := tbotel.StartSpan(ctx, otelapi.Tracer(tbotel.TracerName), "pipeline.scm_event",
		tbotel.AttrProvider.String("scm"))
	defer span.End()

	switch eventName {
	case "issues":
		return p.applyIssuesEvent(ctx, body)
	case "pull_request":
		return p.applyPullRequestEvent(ctx, body)
	case "workflow_run":
		return p.applyWorkflowRunEvent(ctx, body)
	default:
		return nil
	}
}

func (p *Pipeline) applyIssuesEvent(ctx context.Context, body []byte) error {
	var ev issuesEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode issues event: %w", err)
	}
	task, err := p.store.FindTaskByIssue(ctx, ev.Repository.Owner.Login, ev.Repository.Name, ev.Issue.Number)
	if err != nil {
		if err == persistence.ErrTaskNotFound {
			return nil
		}
		return err
	}

	switch ev.Action {
	case "closed":
		// Closing the issue is not deployment; CI still has the last word.
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusWaitingCI,
			"issue.closed", fmt.Sprintf("issue #%d closed", ev.Issue.Number), "{}")
		return err
	case "reopened":
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusIssueCreated,
			"issue.reopened", fmt.Sprintf("issue #%d reopened", ev.Issue.Number), "{}")
		return err
	default:
		return nil
	}
}

func (p *Pipeline) applyPullRequestEvent(ctx context.Context, body []byte) error {
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode pull_request event: %w", err)
	}

	issueNumber := findBackReference(ev.PullRequest.Title + "\n" + ev.PullRequest.Body)
	if issueNumber == 0 {
		// No literal back-reference, the PR is not ours to track.
		return nil
	}
	task, err := p.store.FindTaskByIssue(ctx, ev.Repository.Owner.Login, ev.Repository.Name, issueNumber)
	if err != nil {
		if err == persistence.ErrTaskNotFound {
			return nil
		}
		return err
	}

	switch ev.Action {
	case "opened", "edited", "synchronize", "reopened", "ready_for_review":
		if err := p.store.AttachPR(ctx, task.ID, ev.PullRequest.Number, ev.PullRequest.HTMLURL, ev.PullRequest.Head.SHA); err != nil {
			return err
		}
		ref, _ := json.Marshal(map[string]any{"pr": ev.PullRequest.Number, "url": ev.PullRequest.HTMLURL})
		target := persistence.TaskStatusPRCreated
		kind := "pr.opened"
		if ev.PullRequest.Merged {
			target = persistence.TaskStatusWaitingCI
			kind = "pr.merged"
		}
		_, err := p.store.TransitionTask(ctx, task.ID, nil, target,
			kind, fmt.Sprintf("PR #%d", ev.PullRequest.Number), string(ref))
		return err
	case "closed":
		if !ev.PullRequest.Merged {
			return nil
		}
		if err := p.store.AttachPR(ctx, task.ID, ev.PullRequest.Number, ev.PullRequest.HTMLURL, ev.PullRequest.Head.SHA); err != nil {
			return err
		}
		if ev.PullRequest.MergeCommitSHA != "" {
			if err := p.store.SetMergeSHA(ctx, task.ID, ev.PullRequest.MergeCommitSHA); err != nil {
				return err
			}
		}
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusWaitingCI,
			"pr.merged", fmt.Sprintf("PR #%d merged", ev.PullRequest.Number), "{}")
		return err
	default:
		return nil
	}
}

func (p *Pipeline) applyWorkflowRunEvent(ctx context.Context, body []byte) error {
	var ev workflowRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decode workflow_run event: %w", err)
	}
	if ev.Action != "completed" || ev.WorkflowRun.HeadSHA == "" {
		return nil
	}

	tasks, err := p.store.FindTasksByHeadSHA(ctx, ev.Repository.Owner.Login, ev.Repository.Name, ev.WorkflowRun.HeadSHA)
	if err != nil {
		return err
	}
	ciStatus := persistence.CIStatusFailure
	if ev.WorkflowRun.Conclusion == "success" {
		ciStatus = persistence.CIStatusSuccess
	}
	for i := range tasks {
		task := &tasks[i]
		if err := p.store.SetCIStatus(ctx, task.ID, ciStatus); err != nil {
			slog.Error("pipeline: record ci status", "task_id", task.ID, "error", err)
			continue
		}
		task.CIStatus = ciStatus
		if err := p.Finalize(ctx, task); err != nil {
			slog.Error("pipeline: finalize after ci", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func findBackReference(text string) int {
	m := backRefPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
