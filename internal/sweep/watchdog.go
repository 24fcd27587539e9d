package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/tracker"
)

// Watchdog fails tasks that sat in ISSUE_CREATED longer than the PR timeout
// without producing a pull request. It notifies both sides best-effort; a
// notification failure is logged, never retried.
type Watchdog struct {
	store     *persistence.Store
	scm       scm.Client
	tracker   tracker.Client
	prTimeout time.Duration
}

func NewWatchdog(store *persistence.Store, scmClient scm.Client, trackerClient tracker.Client, prTimeout time.Duration) *Watchdog {
	return &Watchdog{store: store, scm: scmClient, tracker: trackerClient, prTimeout: prTimeout}
}

func (w *Watchdog) Run(ctx context.Context) error {
	projects, err := w.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	cutoff := time.Now().Add(-w.prTimeout)
	for _, project := range projects {
		tasks, err := w.store.ListTasksInStatus(ctx, project.ID, persistence.TaskStatusIssueCreated)
		if err != nil {
			return fmt.Errorf("list stuck candidates for %s: %w", project.ID, err)
		}
		for i := range tasks {
			task := &tasks[i]
			if task.PRNumber != 0 || task.UpdatedAt.After(cutoff) {
				continue
			}
			w.failStuckTask(ctx, task)
		}
	}
	return nil
}

func (w *Watchdog) failStuckTask(ctx context.Context, task *persistence.Task) {
	reason := fmt.Sprintf("no PR within %s of issue creation", w.prTimeout)
	applied, err := w.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusIssueCreated},
		persistence.TaskStatusFailed,
		"watchdog.timeout", reason, "{}")
	if err != nil {
		slog.Error("watchdog: fail task", "task_id", task.ID, "error", err)
		return
	}
	if !applied {
		// A webhook moved the task between the list and the transition.
		return
	}
	if err := w.store.SetTaskError(ctx, task.ID, reason); err != nil {
		slog.Error("watchdog: set task error", "task_id", task.ID, "error", err)
	}
	slog.Warn("watchdog: task timed out", "task_id", task.ID, "issue", task.IssueNumber)

	if err := w.tracker.AddComment(ctx, task.ExternalID, "Automation timed out: "+reason); err != nil {
		slog.Warn("watchdog: tracker comment failed", "task_id", task.ID, "error", err)
	}
	if task.IssueNumber != 0 {
		if err := w.scm.AddIssueComment(ctx, task.RepoOwner, task.RepoName, task.IssueNumber, "Automation timed out: "+reason); err != nil {
			slog.Warn("watchdog: issue comment failed", "task_id", task.ID, "error", err)
		}
		if err := w.scm.AddLabels(ctx, task.RepoOwner, task.RepoName, task.IssueNumber, []string{"stalled"}); err != nil {
			slog.Warn("watchdog: issue label failed", "task_id", task.ID, "error", err)
		}
	}
}
