package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/taskbridge/internal/persistence"
)

// Finalize decides DEPLOYED or FAILED from merge + CI state. Idempotent: the
// precondition (WAITING_CI with a PR and a known CI status) makes reapplying
// it to an already-finalized task a no-op, which is what lets webhooks and the
// reconciliation sweep race safely.
func (p *Pipeline) Finalize(ctx context.Context, task *persistence.Task) error {
	if task.Status != persistence.TaskStatusWaitingCI || task.PRNumber == 0 {
		return nil
	}

	switch task.CIStatus {
	case persistence.CIStatusSuccess:
		return p.finalizeSuccess(ctx, task)
	case persistence.CIStatusFailure:
		return p.finalizeFailure(ctx, task)
	default:
		return nil
	}
}

func (p *Pipeline) finalizeSuccess(ctx context.Context, task *persistence.Task) error {
	applied, err := p.store.TransitionTask(ctx, task.ID, []persistence.TaskStatus{persistence.TaskStatusWaitingCI},
		persistence.TaskStatusDeployed, "task.deployed", "CI green on merged PR", "{}")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	// The transition already happened; Tracker updates are best-effort from
	// here and their failures show up as *_failed events, not rollbacks.
	if err := p.tracker.CompleteTask(ctx, task.ExternalID); err != nil {
		slog.Warn("pipeline: tracker complete failed", "task_id", task.ID, "error", err)
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.complete_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
	} else if err := p.store.SetCompletedByTool(ctx, task.ID); err != nil {
		return err
	}

	summary := fmt.Sprintf("Deployed: %s (CI passed)", task.PRURL)
	if err := p.tracker.AddComment(ctx, task.ExternalID, summary); err != nil {
		slog.Warn("pipeline: tracker summary comment failed", "task_id", task.ID, "error", err)
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
	} else {
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_posted", Message: summary, Source: persistence.SourceSystem,
		})
	}
	return nil
}

func (p *Pipeline) finalizeFailure(ctx context.Context, task *persistence.Task) error {
	reason := fmt.Sprintf("CI failed for PR #%d", task.PRNumber)
	applied, err := p.store.TransitionTask(ctx, task.ID, []persistence.TaskStatus{persistence.TaskStatusWaitingCI},
		persistence.TaskStatusFailed, "task.failed", reason, "{}")
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := p.store.SetTaskError(ctx, task.ID, reason); err != nil {
		return err
	}
	if err := p.tracker.AddComment(ctx, task.ExternalID, reason); err != nil {
		slog.Warn("pipeline: tracker failure comment failed", "task_id", task.ID, "error", err)
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_failed", Message: err.Error(), Source: persistence.SourceSystem,
		})
	} else {
		_ = p.store.AppendTaskEvent(ctx, task.ID, persistence.TaskEvent{
			Kind: "tracker.comment_posted", Message: reason, Source: persistence.SourceSystem,
		})
	}
	return nil
}
