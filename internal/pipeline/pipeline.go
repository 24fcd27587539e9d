// Package pipeline is the task state machine: it consumes Tracker snapshots
// and SCM events, decides transitions, and drives the external side effects
// (issues, comments, agent runs). Side effects on the two external systems are
// eventually consistent, never transactional: partial failures surface as
// *_failed task events and the next webhook or sweep converges the rest.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/taskbridge/internal/config"
	tbotel "github.com/basket/taskbridge/internal/otel"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/scm"
	"github.com/basket/taskbridge/internal/tracker"
)

// StatusOutcome values from the per-project status mapping.
const (
	outcomeBlocked   = "BLOCKED"
	outcomeCancelled = "CANCELLED"
)

// triggerComment is posted on new issues in comment execution mode; an
// external automation watches for it.
const triggerComment = "/agent run"

type Pipeline struct {
	store   *persistence.Store
	tracker tracker.Client
	scm     scm.Client

	executionMode config.ExecutionMode
}

func New(store *persistence.Store, trackerClient tracker.Client, scmClient scm.Client, mode config.ExecutionMode) *Pipeline {
	return &Pipeline{
		store:         store,
		tracker:       trackerClient,
		scm:           scmClient,
		executionMode: mode,
	}
}

// ProcessTask runs the pipeline entry point for one Tracker task. Safe to call
// repeatedly with an unchanged snapshot: the upsert, the spec version, and the
// issue are all idempotent.
func (p *Pipeline) ProcessTask(ctx context.Context, project *persistence.Project, trackerTaskID string) error {
	ctx, span := tbotel.StartSpan(ctx, otelapi.Tracer(tbotel.TracerName), "pipeline.process_task",
		tbotel.AttrProjectID.String(project.ID), tbotel.AttrExternalID.String(trackerTaskID))
	defer span.End()

	snap, err := p.tracker.GetTask(ctx, trackerTaskID)
	if err != nil {
		return fmt.Errorf("fetch tracker task %s: %w", trackerTaskID, err)
	}

	task, err := p.store.UpsertTask(ctx, project.ID, snap.GID, snap.Name)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	if persistence.IsTerminal(task.Status) {
		slog.Debug("pipeline: task is terminal, skipping", "task_id", task.ID, "status", task.Status)
		return nil
	}

	fields, err := p.store.FieldMappings(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("load field mappings: %w", err)
	}

	// Status mapping first: an operator moving the card to a blocked or
	// cancelled column wins over everything else.
	if outcome, err := p.resolveStatusOutcome(ctx, project, snap, fields); err != nil {
		return err
	} else if outcome != "" {
		return p.applyStatusOutcome(ctx, task, outcome)
	}

	// Past issue creation the gate and repo checks have nothing left to guard;
	// later transitions belong to the SCM event handlers.
	if task.IssueNumber != 0 {
		return nil
	}

	// Automation gate: nothing downstream runs without explicit opt-in.
	if !automationEnabled(snap, fields) {
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusAutoDisabled,
			"task.auto_disabled", "automation not enabled for this task", "{}")
		return err
	}

	repoOwner, repoName, ok, err := p.resolveRepo(ctx, project, snap, fields)
	if err != nil {
		return err
	}
	if !ok {
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusNeedsRepo,
			"task.needs_repo", "target repo missing or not configured for project", "{}")
		return err
	}

	return p.ensureIssue(ctx, project, task, snap, repoOwner, repoName)
}

func (p *Pipeline) resolveStatusOutcome(ctx context.Context, project *persistence.Project, snap *tracker.TaskSnapshot, fields map[string]string) (string, error) {
	fieldGID := fields["status"]
	if fieldGID == "" {
		return "", nil
	}
	fv := snap.FieldValueByGID(fieldGID)
	if fv == nil || fv.EnumOptionGID == "" {
		return "", nil
	}
	outcome, err := p.store.ResolveStatusOption(ctx, project.ID, fv.EnumOptionGID)
	if err != nil {
		return "", fmt.Errorf("resolve status option: %w", err)
	}
	return outcome, nil
}

func (p *Pipeline) applyStatusOutcome(ctx context.Context, task *persistence.Task, outcome string) error {
	switch outcome {
	case outcomeCancelled:
		if task.IssueNumber != 0 {
			if err := p.scm.CloseIssue(ctx, task.RepoOwner, task.RepoName, task.IssueNumber, true); err != nil {
				// The task still cancels; the orphaned open issue is the
				// lesser problem and is visible in the event trail.
				slog.Warn("pipeline: close issue on cancel failed", "task_id", task.ID, "issue", task.IssueNumber, "error", err)
				_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
					Kind: "issue.close_failed", Message: err.Error(), Source: persistence.SourceSystem,
				})
			} else {
				_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
					Kind: "issue.closed", Message: "closed as not planned", Source: persistence.SourceSystem,
				})
			}
		}
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusCancelled,
			"task.cancelled", "cancelled via tracker status", "{}")
		return err
	case outcomeBlocked:
		_, err := p.store.TransitionTask(ctx, task.ID, nil, persistence.TaskStatusBlocked,
			"task.blocked", "blocked via tracker status", "{}")
		return err
	default:
		return fmt.Errorf("unknown status outcome %q", outcome)
	}
}

// automationEnabled requires the mapped boolean field to be explicitly true.
// Missing mapping, missing value, and false all fail the gate.
func automationEnabled(snap *tracker.TaskSnapshot, fields map[string]string) bool {
	fieldGID := fields["auto"]
	if fieldGID == "" {
		return false
	}
	fv := snap.FieldValueByGID(fieldGID)
	return fv != nil && fv.Checked != nil && *fv.Checked
}

// resolveRepo matches the repo field value exactly against the project's
// configured repos. No fuzzy matching.
func (p *Pipeline) resolveRepo(ctx context.Context, project *persistence.Project, snap *tracker.TaskSnapshot, fields map[string]string) (owner, name string, ok bool, err error) {
	fieldGID := fields["repo"]
	if fieldGID == "" {
		return "", "", false, nil
	}
	fv := snap.FieldValueByGID(fieldGID)
	if fv == nil {
		return "", "", false, nil
	}
	value := strings.TrimSpace(fv.Text)
	if value == "" {
		value = strings.TrimSpace(fv.EnumOptionName)
	}
	if value == "" {
		return "", "", false, nil
	}
	repos, err := p.store.ProjectRepos(ctx, project.ID)
	if err != nil {
		return "", "", false, fmt.Errorf("load project repos: %w", err)
	}
	for _, candidate := range repos {
		if candidate == value {
			parts := strings.SplitN(value, "/", 2)
			if len(parts) != 2 {
				return "", "", false, nil
			}
			return parts[0], parts[1], true, nil
		}
	}
	return "", "", false, nil
}

// ensureIssue creates the SCM issue for the task exactly once, then kicks off
// execution per the configured mode. An existing issue makes the whole call a
// no-op. Issue creation is never rolled back on later partial failures.
func (p *Pipeline) ensureIssue(ctx context.Context, project *persistence.Project, task *persistence.Task, snap *tracker.TaskSnapshot, repoOwner, repoName string) error {
	if task.IssueNumber != 0 {
		return nil
	}

	spec, err := p.store.InsertTaskSpec(ctx, task.ID, renderTaskSpec(snap))
	if err != nil {
		return fmt.Errorf("insert task spec: %w", err)
	}
	if _, err := p.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusReceived, persistence.TaskStatusNeedsRepo},
		persistence.TaskStatusSpecCreated,
		"taskspec.created", fmt.Sprintf("spec version %d", spec.Version), "{}"); err != nil {
		return err
	}

	issue, err := p.scm.CreateIssue(ctx, repoOwner, repoName, snap.Name, spec.Content, []string{"taskbridge"})
	if err != nil {
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "issue.create_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
		return fmt.Errorf("create issue: %w", err)
	}
	if err := p.store.AttachIssue(ctx, task.ID, repoOwner, repoName, issue.Number, issue.HTMLURL); err != nil {
		return err
	}
	ref, _ := json.Marshal(map[string]any{"issue": issue.Number, "url": issue.HTMLURL})
	if _, err := p.store.TransitionTask(ctx, task.ID,
		[]persistence.TaskStatus{persistence.TaskStatusSpecCreated},
		persistence.TaskStatusIssueCreated,
		"issue.created", fmt.Sprintf("%s/%s#%d", repoOwner, repoName, issue.Number), string(ref)); err != nil {
		return err
	}

	switch p.executionMode {
	case config.ExecutionModeComment:
		if err := p.scm.AddIssueComment(ctx, repoOwner, repoName, issue.Number, triggerComment); err != nil {
			slog.Warn("pipeline: trigger comment failed", "task_id", task.ID, "error", err)
			_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
				Kind: "comment.post_failed", Message: err.Error(), Source: persistence.SourceSystem,
			})
		} else {
			_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
				Kind: "comment.posted", Message: "trigger comment posted", Source: persistence.SourceSystem,
			})
		}
	case config.ExecutionModeAgent:
		payload, err := json.Marshal(map[string]string{"task_id": task.ID})
		if err != nil {
			return fmt.Errorf("encode run payload: %w", err)
		}
		jobID, err := p.store.EnqueueJob(ctx, project.ID, "scm", "agent.run", string(payload))
		if err != nil {
			_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
				Kind: "agent.enqueue_failed", Message: err.Error(), Source: persistence.SourceSystem,
			})
			return fmt.Errorf("enqueue agent run: %w", err)
		}
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "agent.enqueued", Message: fmt.Sprintf("job %d", jobID), Source: persistence.SourceSystem,
		})
	}

	// Best-effort: tell the Tracker where the work landed.
	comment := fmt.Sprintf("Issue created: %s", issue.HTMLURL)
	if err := p.tracker.AddComment(ctx, snap.GID, comment); err != nil {
		slog.Warn("pipeline: tracker comment failed", "task_id", task.ID, "error", err)
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
	} else {
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_posted", Message: comment, Source: persistence.SourceSystem,
		})
	}
	return nil
}

// renderTaskSpec turns a Tracker snapshot into the markdown given to the
// issue and the agent.
func renderTaskSpec(snap *tracker.TaskSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", snap.Name)
	if notes := strings.TrimSpace(snap.Notes); notes != "" {
		b.WriteString(notes)
		b.WriteString("\n\n")
	}
	if snap.Permalink != "" {
		fmt.Fprintf(&b, "Tracker task: %s\n", snap.Permalink)
	}
	return b.String()
}
