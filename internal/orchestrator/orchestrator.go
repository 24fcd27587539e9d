// Package orchestrator runs the coding agent for a task: isolated worktree,
// policy-checked changes, commit, push, pull request. One run per invocation,
// cleaned up whatever happens.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/taskbridge/internal/config"
	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/policy"
	"github.com/basket/taskbridge/internal/queue"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/tracker"
	"github.com/basket/taskbridge/internal/workspace"
)

// Workspace is the git surface the orchestrator drives. Satisfied by
// *workspace.Manager.
type Workspace interface {
	EnsureRepo(ctx context.Context, cloneURL, owner, repo, defaultBranch string) (string, error)
	CreateWorktree(ctx context.Context, repoPath, taskID, runID string) (*workspace.Worktree, error)
	RemoveWorktree(ctx context.Context, wt *workspace.Worktree) error
	ChangedFiles(ctx context.Context, wt *workspace.Worktree) ([]string, error)
	CommitAll(ctx context.Context, wt *workspace.Worktree, message string) error
	HeadSHA(ctx context.Context, wt *workspace.Worktree) (string, error)
	Push(ctx context.Context, wt *workspace.Worktree, owner, repo, token string) error
}

var _ Workspace = (*workspace.Manager)(nil)

type Orchestrator struct {
	store   *persistence.Store
	scm     scm.Client
	tracker tracker.Client
	ws      Workspace
	checker *policy.Checker
	cfg     config.Config

	registry *runRegistry
}

func New(store *persistence.Store, scmClient scm.Client, trackerClient tracker.Client, ws Workspace, checker *policy.Checker, cfg config.Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		scm:      scmClient,
		tracker:  trackerClient,
		ws:       ws,
		checker:  checker,
		cfg:      cfg,
		registry: newRunRegistry(),
	}
}

// HandleJob is the queue handler for agent.run jobs. Precondition misses are
// not errors: the task moved on (or never arrived) and there is nothing to
// retry.
func (o *Orchestrator) HandleJob(ctx context.Context, job *persistence.JobQueueEntry) error {
	payload, err := queue.DecodeAgentRunPayload(job.Payload)
	if err != nil {
		return err
	}
	return o.Run(ctx, payload.TaskID)
}

// Run executes one agent run for the task.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusIssueCreated || task.IssueNumber == 0 {
		slog.Info("orchestrator: task not runnable, skipping", "task_id", taskID, "status", task.Status)
		return nil
	}
	if task.PRNumber != 0 {
		slog.Info("orchestrator: task already has a PR, skipping", "task_id", taskID, "pr", task.PRNumber)
		return nil
	}
	token := o.cfg.PushToken()
	if token == "" {
		// Config error: fail the task, never retried automatically.
		o.failTask(ctx, task, "no SCM push token configured ("+o.cfg.Agent.TokenEnv+" empty)")
		return nil
	}

	run, err := o.store.CreateAgentRun(ctx, task.ID)
	if err != nil {
		return err
	}
	if err := o.store.StartAgentRun(ctx, run.ID); err != nil {
		return err
	}
	logw := newRunLogWriter(o.store, run.ID, o.cfg.LogMode, []string{token})

	runErr := o.execute(ctx, task, run, token, logw)
	if runErr == nil {
		return nil
	}

	// Cancellation precedence: a run the operator cancelled stays cancelled
	// no matter what the error path reports afterwards. FinishAgentRun only
	// touches non-terminal rows, so this double-checks mostly for the task.
	if current, gerr := o.store.GetAgentRun(ctx, run.ID); gerr == nil && current.Status == persistence.RunStatusCancelled {
		slog.Info("orchestrator: run cancelled, leaving task untouched", "run_id", run.ID)
		return nil
	}
	if err := o.store.FinishAgentRun(ctx, run.ID, persistence.RunStatusFailed, "", runErr.Error()); err != nil {
		slog.Error("orchestrator: finish run", "run_id", run.ID, "error", err)
	}
	o.failTask(ctx, task, runErr.Error())
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, task *persistence.Task, run *persistence.AgentRun, token string, logw *runLogWriter) error {
	defaultBranch, err := o.scm.DefaultBranch(ctx, task.RepoOwner, task.RepoName)
	if err != nil {
		return fmt.Errorf("default branch: %w", err)
	}

	cloneURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, task.RepoOwner, task.RepoName)
	repoPath, err := o.ws.EnsureRepo(ctx, cloneURL, task.RepoOwner, task.RepoName, defaultBranch)
	if err != nil {
		return fmt.Errorf("prepare repo: %w", err)
	}
	wt, err := o.ws.CreateWorktree(ctx, repoPath, task.ID, run.ID)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	defer func() {
		if err := o.ws.RemoveWorktree(context.Background(), wt); err != nil {
			slog.Warn("orchestrator: worktree cleanup failed", "run_id", run.ID, "error", err)
		}
	}()
	logw.system(ctx, "worktree ready on branch "+wt.Branch)

	if o.cfg.Agent.InstructionsFile != "" && o.cfg.Agent.Instructions != "" {
		path := filepath.Join(wt.Path, o.cfg.Agent.InstructionsFile)
		if err := os.WriteFile(path, []byte(o.cfg.Agent.Instructions), 0o644); err != nil {
			return fmt.Errorf("write instructions file: %w", err)
		}
	}

	prompt, err := o.buildPrompt(ctx, task)
	if err != nil {
		return err
	}

	// Register before spawn so a cancel that lands during startup still has
	// something to kill.
	agentCtx, cancel := context.WithCancel(ctx)
	o.registry.register(run.ID, cancel)
	agentCtx, span := tbotel.StartClientSpan(agentCtx, otelapi.Tracer(tbotel.TracerName), "agent.exec",
		tbotel.AttrTaskID.String(task.ID), tbotel.AttrRunID.String(run.ID))
	err = runAgent(agentCtx, o.cfg.Agent, wt.Path, prompt, logw)
	span.End()
	o.registry.unregister(run.ID)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("agent cancelled")
		}
		logw.system(ctx, "agent failed: "+err.Error())
		return err
	}

	changed, err := o.ws.ChangedFiles(ctx, wt)
	if err != nil {
		return fmt.Errorf("inspect changes: %w", err)
	}
	if len(changed) == 0 {
		return fmt.Errorf("agent produced no changes")
	}
	if v := o.checker.Check(changed); v != nil {
		logw.system(ctx, v.Error())
		return v
	}

	message := commitMessage(task)
	if err := o.ws.CommitAll(ctx, wt, message); err != nil {
		return err
	}
	headSHA, err := o.ws.HeadSHA(ctx, wt)
	if err != nil {
		return err
	}
	if err := o.ws.Push(ctx, wt, task.RepoOwner, task.RepoName, token); err != nil {
		return err
	}
	logw.system(ctx, fmt.Sprintf("pushed %s (%d files)", wt.Branch, len(changed)))

	prBody := fmt.Sprintf("Fixes #%d\n\nAutomated change for %s.", task.IssueNumber, task.Title)
	prCtx, prSpan := tbotel.StartClientSpan(ctx, otelapi.Tracer(tbotel.TracerName), "scm.create_pull_request",
		tbotel.AttrTaskID.String(task.ID), tbotel.AttrRepo.String(task.RepoOwner+"/"+task.RepoName))
	pr, err := o.scm.CreatePullRequest(prCtx, task.RepoOwner, task.RepoName, task.Title, prBody, wt.Branch, defaultBranch)
	prSpan.End()
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	if pr.HeadSHA == "" {
		pr.HeadSHA = headSHA
	}
	if err := o.store.AttachPR(ctx, task.ID, pr.Number, pr.HTMLURL, pr.HeadSHA); err != nil {
		return err
	}
	ref, _ := json.Marshal(map[string]any{"pr": pr.Number, "url": pr.HTMLURL, "run_id": run.ID})
	if _, err := o.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusIssueCreated},
		persistence.TaskStatusPRCreated,
		"pr.created", fmt.Sprintf("PR #%d", pr.Number), string(ref)); err != nil {
		return err
	}

	summary := fmt.Sprintf("opened PR #%d with %d changed files", pr.Number, len(changed))
	if err := o.store.FinishAgentRun(ctx, run.ID, persistence.RunStatusSuccess, summary, ""); err != nil {
		slog.Error("orchestrator: finish run", "run_id", run.ID, "error", err)
	}
	logw.system(ctx, summary)

	// Best-effort linkback; a missing Tracker comment never fails the run.
	linkback := "Pull request opened: " + pr.HTMLURL
	if err := o.tracker.AddComment(ctx, task.ExternalID, linkback); err != nil {
		slog.Warn("orchestrator: tracker comment failed", "task_id", task.ID, "error", err)
		_ = o.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
	} else {
		_ = o.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_posted", Message: linkback, Source: persistence.SourceSystem,
		})
	}
	return nil
}

// CancelRun marks the run cancelled and kills its process if one is live.
// Marking first is what guarantees a racing error handler cannot flip the run
// to failed afterwards.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	run, err := o.store.GetAgentRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case persistence.RunStatusQueued, persistence.RunStatusRunning:
	default:
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	if err := o.store.FinishAgentRun(ctx, runID, persistence.RunStatusCancelled, "", "cancelled by request"); err != nil {
		return err
	}
	if o.registry.cancel(runID) {
		slog.Info("orchestrator: killed agent process", "run_id", runID)
	}
	_ = o.store.AppendTaskEvent(ctx, run.TaskID, persistence.TaskEvent{
		Kind: "run.cancelled", Message: "agent run " + runID + " cancelled", Source: persistence.SourceAPI,
	})
	return nil
}

func (o *Orchestrator) buildPrompt(ctx context.Context, task *persistence.Task) (string, error) {
	spec, err := o.store.LatestTaskSpec(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("load task spec: %w", err)
	}
	var b strings.Builder
	b.WriteString(spec.Content)
	if task.ProjectID != "" {
		if project, err := o.store.GetProject(ctx, task.ProjectID); err == nil && project.ContextNotes != "" {
			b.WriteString("\n## Project context\n\n")
			b.WriteString(project.ContextNotes)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\nImplement the change described above. Commit nothing yourself; leave the working tree dirty when done.\n")
	return b.String(), nil
}

// failTask records the diagnostic and moves the task to FAILED. Transition
// refusal (task already moved on) is fine.
func (o *Orchestrator) failTask(ctx context.Context, task *persistence.Task, reason string) {
	if err := o.store.SetTaskError(ctx, task.ID, reason); err != nil {
		slog.Error("orchestrator: set task error", "task_id", task.ID, "error", err)
	}
	if _, err := o.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusFailed,
		"run.failed", reason, "{}"); err != nil {
		slog.Error("orchestrator: fail task", "task_id", task.ID, "error", err)
	}
}

func commitMessage(task *persistence.Task) string {
	title := strings.TrimSpace(task.Title)
	if title == "" {
		title = "automated change"
	}
	return fmt.Sprintf("%s\n\nCloses #%d", title, task.IssueNumber)
}
