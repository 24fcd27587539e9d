package sweep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/scm"
)

// Reconciler re-derives CI state for tasks stuck in WAITING_CI whose
// workflow_run webhook never arrived (or arrived before the head sha was
// attached). It queries the SCM's check runs directly and finalizes.
type Reconciler struct {
	store    *persistence.Store
	scm      scm.Client
	pipeline *pipeline.Pipeline
}

func NewReconciler(store *persistence.Store, scmClient scm.Client, p *pipeline.Pipeline) *Reconciler {
	return &Reconciler{store: store, scm: scmClient, pipeline: p}
}

// Run sweeps every project once. Per-task failures are logged and skipped so
// one broken task cannot stall the rest of the pass.
func (r *Reconciler) Run(ctx context.Context) error {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, project := range projects {
		tasks, err := r.store.ListTasksInStatus(ctx, project.ID, persistence.TaskStatusWaitingCI)
		if err != nil {
			return fmt.Errorf("list waiting tasks for %s: %w", project.ID, err)
		}
		for i := range tasks {
			if err := r.reconcileTask(ctx, &tasks[i]); err != nil {
				slog.Warn("reconcile: task skipped", "task_id", tasks[i].ID, "error", err)
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, task *persistence.Task) error {
	if task.CIHeadSHA == "" || task.Repo() == "" || task.IssueNumber == 0 {
		return nil
	}

	// CI status already recorded: the webhook landed but finalize lost a
	// race or failed transiently. Just try again.
	if task.CIStatus == persistence.CIStatusSuccess || task.CIStatus == persistence.CIStatusFailure {
		return r.pipeline.Finalize(ctx, task)
	}

	runs, err := r.scm.ListCheckRuns(ctx, task.RepoOwner, task.RepoName, task.CIHeadSHA)
	if err != nil {
		return fmt.Errorf("list check runs: %w", err)
	}
	status, done := deriveCIStatus(runs)
	if !done {
		return nil
	}
	if err := r.store.SetCIStatus(ctx, task.ID, status); err != nil {
		return err
	}
	task.CIStatus = status
	return r.pipeline.Finalize(ctx, task)
}

// deriveCIStatus folds check runs into a single verdict. It acts only when
// every run reports completed; success, neutral and skipped conclusions count
// as success, everything else as failure. No check runs at all means CI has
// not reported yet.
func deriveCIStatus(runs []scm.CheckRun) (status string, done bool) {
	if len(runs) == 0 {
		return "", false
	}
	status = persistence.CIStatusSuccess
	for _, run := range runs {
		if run.Status != "completed" {
			return "", false
		}
		switch run.Conclusion {
		case "success", "neutral", "skipped":
		default:
			status = persistence.CIStatusFailure
		}
	}
	return status, true
}
