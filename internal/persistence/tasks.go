package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusReceived     TaskStatus = "RECEIVED"
	TaskStatusSpecCreated  TaskStatus = "TASKSPEC_CREATED"
	TaskStatusNeedsRepo    TaskStatus = "NEEDS_REPO"
	TaskStatusAutoDisabled TaskStatus = "AUTO_DISABLED"
	TaskStatusBlocked      TaskStatus = "BLOCKED"
	TaskStatusCancelled    TaskStatus = "CANCELLED"
	TaskStatusIssueCreated TaskStatus = "ISSUE_CREATED"
	TaskStatusPRCreated    TaskStatus = "PR_CREATED"
	TaskStatusWaitingCI    TaskStatus = "WAITING_CI"
	TaskStatusDeployed     TaskStatus = "DEPLOYED"
	TaskStatusFailed       TaskStatus = "FAILED"
)

// CI status values recorded on a task.
const (
	CIStatusPending = "pending"
	CIStatusSuccess = "success"
	CIStatusFailure = "failure"
)

// Terminal states absorb all automated transitions; only an explicit human
// retry re-enters RECEIVED.
var terminalStatuses = []TaskStatus{
	TaskStatusAutoDisabled,
	TaskStatusBlocked,
	TaskStatusCancelled,
	TaskStatusDeployed,
	TaskStatusFailed,
}

// IsTerminal reports whether the status absorbs automated transitions.
func IsTerminal(status TaskStatus) bool {
	return slices.Contains(terminalStatuses, status)
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusReceived: {
		TaskStatusSpecCreated:  {},
		TaskStatusNeedsRepo:    {},
		TaskStatusAutoDisabled: {},
		TaskStatusBlocked:      {},
		TaskStatusCancelled:    {},
		TaskStatusFailed:       {},
	},
	TaskStatusSpecCreated: {
		TaskStatusIssueCreated: {},
		TaskStatusNeedsRepo:    {},
		TaskStatusAutoDisabled: {},
		TaskStatusBlocked:      {},
		TaskStatusCancelled:    {},
		TaskStatusFailed:       {},
	},
	TaskStatusNeedsRepo: {
		TaskStatusSpecCreated:  {},
		TaskStatusIssueCreated: {},
		TaskStatusAutoDisabled: {},
		TaskStatusBlocked:      {},
		TaskStatusCancelled:    {},
		TaskStatusFailed:       {},
	},
	TaskStatusIssueCreated: {
		TaskStatusPRCreated: {},
		TaskStatusWaitingCI: {}, // issue closed, or PR arrived already merged
		TaskStatusBlocked:   {},
		TaskStatusCancelled: {},
		TaskStatusFailed:    {}, // watchdog timeout
	},
	TaskStatusPRCreated: {
		TaskStatusWaitingCI:    {},
		TaskStatusIssueCreated: {}, // issue reopened
		TaskStatusBlocked:      {},
		TaskStatusCancelled:    {},
		TaskStatusFailed:       {},
	},
	TaskStatusWaitingCI: {
		TaskStatusDeployed:     {},
		TaskStatusFailed:       {},
		TaskStatusIssueCreated: {}, // issue reopened
		TaskStatusBlocked:      {},
		TaskStatusCancelled:    {},
	},
	// Terminal states: only explicit retry, handled by RetryTask.
}

// Task is one unit of tracked work mirrored into the SCM.
type Task struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id,omitempty"` // empty = legacy row
	ExternalID      string     `json:"external_id"`
	Title           string     `json:"title"`
	Status          TaskStatus `json:"status"`
	RepoOwner       string     `json:"repo_owner,omitempty"`
	RepoName        string     `json:"repo_name,omitempty"`
	IssueNumber     int        `json:"issue_number,omitempty"`
	IssueURL        string     `json:"issue_url,omitempty"`
	PRNumber        int        `json:"pr_number,omitempty"`
	PRURL           string     `json:"pr_url,omitempty"`
	CIHeadSHA       string     `json:"ci_head_sha,omitempty"`
	CIStatus        string     `json:"ci_status,omitempty"`
	MergeSHA        string     `json:"merge_sha,omitempty"`
	CompletedByTool bool       `json:"completed_by_tool"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Repo returns "owner/name", or "" when no repo is attached.
func (t Task) Repo() string {
	if t.RepoOwner == "" || t.RepoName == "" {
		return ""
	}
	return t.RepoOwner + "/" + t.RepoName
}

// TaskEvent is one append-only audit trail entry for a task.
type TaskEvent struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Ref        string    `json:"ref,omitempty"` // structured reference payload, JSON
	Source     string    `json:"source"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event sources.
const (
	SourceTracker = "tracker"
	SourceSCM     = "scm"
	SourceSystem  = "system"
	SourceUser    = "user"
	SourceAPI     = "api"
)

var ErrTaskNotFound = errors.New("task not found")

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const taskColumns = `
	id, COALESCE(project_id, ''), external_id, title, status,
	repo_owner, repo_name, issue_number, issue_url, pr_number, pr_url,
	ci_head_sha, ci_status, merge_sha, completed_by_tool, last_error,
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var completed int
	if err := scanFn(
		&task.ID,
		&task.ProjectID,
		&task.ExternalID,
		&task.Title,
		&task.Status,
		&task.RepoOwner,
		&task.RepoName,
		&task.IssueNumber,
		&task.IssueURL,
		&task.PRNumber,
		&task.PRURL,
		&task.CIHeadSHA,
		&task.CIStatus,
		&task.MergeSHA,
		&completed,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.CompletedByTool = completed != 0
	return nil
}

// UpsertTask creates the task row on first sighting of an external id, or
// returns the existing row, refreshing the title. The same external id never
// produces a duplicate row within a project scope; with an empty projectID the
// lookup matches on external id alone (legacy mode). On lookup ambiguity a
// legacy row is preferred over project-scoped rows.
func (s *Store) UpsertTask(ctx context.Context, projectID, externalID, title string) (*Task, error) {
	var task Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE external_id = ?
			  AND (project_id = ? OR project_id IS NULL)
			ORDER BY project_id IS NULL DESC
			LIMIT 1;
		`, externalID, projectID)
		switch err := scanTask(row.Scan, &task); {
		case err == nil:
			if title != "" && title != task.Title {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
				`, title, task.ID); err != nil {
					return fmt.Errorf("refresh task title: %w", err)
				}
				task.Title = title
			}
			return tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("select task for upsert: %w", err)
		}

		task = Task{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			ExternalID: externalID,
			Title:      title,
			Status:     TaskStatusReceived,
		}
		project := sql.NullString{String: projectID, Valid: projectID != ""}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, external_id, title, status)
			VALUES (?, ?, ?, ?, ?);
		`, task.ID, project, externalID, title, TaskStatusReceived); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "task.received", "task first seen", "{}", SourceTracker); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask loads a task by internal id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// FindTaskByIssue locates the task tracking the given SCM issue.
func (s *Store) FindTaskByIssue(ctx context.Context, owner, repo string, issueNumber int) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE repo_owner = ? AND repo_name = ? AND issue_number = ?
		LIMIT 1;
	`, owner, repo, issueNumber)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("select task by issue: %w", err)
	}
	return &task, nil
}

// FindTasksByHeadSHA returns tasks whose recorded CI head sha matches.
func (s *Store) FindTasksByHeadSHA(ctx context.Context, owner, repo, sha string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE repo_owner = ? AND repo_name = ? AND ci_head_sha = ?;
	`, owner, repo, sha)
	if err != nil {
		return nil, fmt.Errorf("select tasks by head sha: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksInStatus returns tasks for a project currently in the given status,
// oldest update first. Used by the reconciliation and watchdog sweeps.
func (s *Store) ListTasksInStatus(ctx context.Context, projectID string, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND (project_id = ? OR (? = '' AND project_id IS NULL))
		ORDER BY updated_at ASC;
	`, status, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("select tasks in status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TransitionTask moves a task to a new status if its current status is in
// allowedFrom and the transition is legal. The compare-and-swap UPDATE plus the
// event append happen in one transaction, so a concurrent writer loses cleanly
// (applied=false) instead of double-applying side effects.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventKind, message, ref string) (bool, error) {
	var applied bool
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current) {
			return tx.Commit()
		}
		if IsTerminal(current) {
			return tx.Commit()
		}
		if current != to && !canTransition(current, to) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, taskID, current)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return tx.Commit()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, eventKind, message, ref, SourceSystem); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		applied = true
		from = current
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return applied, nil
}

// RetryTask is the explicit human re-entry point: it moves a terminal task
// back to RECEIVED, clearing last_error. It is the only write allowed out of a
// terminal state.
func (s *Store) RetryTask(ctx context.Context, taskID, actor string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for retry: %w", err)
		}
		if !IsTerminal(current) {
			return fmt.Errorf("task %s is %s, not retryable", taskID, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, TaskStatusReceived, taskID); err != nil {
			return fmt.Errorf("retry task: %w", err)
		}
		if err := s.appendTaskEventTxFull(ctx, tx, taskID, "task.retried", "retried from "+string(current), "{}", SourceUser, "", actor); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetTaskError records a human-readable diagnostic on the task.
func (s *Store) SetTaskError(ctx context.Context, taskID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, lastError, taskID)
	if err != nil {
		return fmt.Errorf("set task error: %w", err)
	}
	return nil
}

// AttachIssue records the created SCM issue. The issue number, once set, is
// never cleared or replaced.
func (s *Store) AttachIssue(ctx context.Context, taskID, owner, repo string, issueNumber int, issueURL string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET repo_owner = ?, repo_name = ?, issue_number = ?, issue_url = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND issue_number = 0;
	`, owner, repo, issueNumber, issueURL, taskID)
	if err != nil {
		return fmt.Errorf("attach issue: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("attach issue rows affected: %w", err)
	}
	// Zero rows means the task already carries an issue; the first binding is
	// permanent and a re-attach is silently ignored.
	return nil
}

// AttachPR records the open PR reference and its head sha. At most one open PR
// is tracked at a time; re-attaching the same PR number just refreshes the sha.
func (s *Store) AttachPR(ctx context.Context, taskID string, prNumber int, prURL, headSHA string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET pr_number = ?, pr_url = ?, ci_head_sha = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (pr_number = 0 OR pr_number = ?);
	`, prNumber, prURL, headSHA, taskID, prNumber)
	if err != nil {
		return fmt.Errorf("attach pr: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach pr rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("task %s already tracks a different open PR", taskID)
	}
	return nil
}

// SetCIStatus records the derived CI status for the task's head sha.
func (s *Store) SetCIStatus(ctx context.Context, taskID, ciStatus string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET ci_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, ciStatus, taskID)
	if err != nil {
		return fmt.Errorf("set ci status: %w", err)
	}
	return nil
}

// SetMergeSHA records the merge commit after the PR merges.
func (s *Store) SetMergeSHA(ctx context.Context, taskID, mergeSHA string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET merge_sha = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, mergeSHA, taskID)
	if err != nil {
		return fmt.Errorf("set merge sha: %w", err)
	}
	return nil
}

// SetCompletedByTool flags that taskbridge (not a human) completed the Tracker task.
func (s *Store) SetCompletedByTool(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET completed_by_tool = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("set completed_by_tool: %w", err)
	}
	return nil
}

// AdoptLegacyTasks assigns rows with a NULL project to the given project.
// Run once at startup when exactly one project is configured, so the dual
// identity scheme collapses to (project, external id).
func (s *Store) AdoptLegacyTasks(ctx context.Context, projectID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET project_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE project_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM tasks t2 WHERE t2.project_id = ? AND t2.external_id = tasks.external_id
		  );
	`, projectID, projectID)
	if err != nil {
		return 0, fmt.Errorf("adopt legacy tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, kind, message, ref, source string) error {
	return s.appendTaskEventTxFull(ctx, tx, taskID, kind, message, ref, source, shared.DeliveryID(ctx), "")
}

func (s *Store) appendTaskEventTxFull(ctx context.Context, tx *sql.Tx, taskID, kind, message, ref, source, deliveryID, actor string) error {
	if ref == "" {
		ref = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, kind, message, ref_json, source, delivery_id, actor)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, taskID, kind, message, ref, source, deliveryID, actor)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// AppendTaskEvent records one audit trail entry outside a transition.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID string, ev TaskEvent) error {
	if ev.Source == "" {
		ev.Source = SourceSystem
	}
	if ev.DeliveryID == "" {
		ev.DeliveryID = shared.DeliveryID(ctx)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.appendTaskEventTxFull(ctx, tx, taskID, ev.Kind, ev.Message, ev.Ref, ev.Source, ev.DeliveryID, ev.Actor); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskEvent, ev)
	}
	return nil
}

// ListTaskEvents returns the audit trail for a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, message, ref_json, source, delivery_id, actor, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Kind, &ev.Message, &ev.Ref, &ev.Source, &ev.DeliveryID, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
