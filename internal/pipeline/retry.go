package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/taskbridge/internal/persistence"
)

// Retry re-enters a terminal task on behalf of an operator. Issues we closed
// on cancellation are reopened first so the retried task does not point at a
// dead issue; the reopen is best-effort and its failure never blocks the
// retry itself.
func (p *Pipeline) Retry(ctx context.Context, taskID, actor string) error {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !persistence.IsTerminal(task.Status) {
		return fmt.Errorf("task %s is %s, only terminal tasks can be retried", taskID, task.Status)
	}

	if task.Status == persistence.TaskStatusCancelled && task.IssueNumber != 0 {
		if err := p.scm.ReopenIssue(ctx, task.RepoOwner, task.RepoName, task.IssueNumber); err != nil {
			slog.Warn("pipeline: reopen issue on retry failed", "task_id", task.ID, "issue", task.IssueNumber, "error", err)
			_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
				Kind: "issue.reopen_failed", Message: err.Error(), Source: persistence.SourceSystem,
			})
		} else {
			_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
				Kind: "issue.reopened", Message: "reopened for retry", Source: persistence.SourceSystem,
			})
		}
	}

	if err := p.store.RetryTask(ctx, taskID, actor); err != nil {
		return err
	}

	// Kick processing immediately instead of waiting for the next Tracker
	// event. A fresh snapshot fetch failing here is fine: the task is back in
	// RECEIVED and any later webhook or sweep resumes it.
	if task.ProjectID != "" {
		project, err := p.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			slog.Warn("pipeline: project lookup after retry failed", "task_id", task.ID, "error", err)
			return nil
		}
		if err := p.ProcessTask(ctx, project, task.ExternalID); err != nil {
			slog.Warn("pipeline: reprocess after retry failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}
