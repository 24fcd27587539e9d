package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskbridge/internal/bus"
	"github.com/basket/taskbridge/internal/shared"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Log streams.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// AgentRun is one execution of the coding agent for a task.
type AgentRun struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Status     RunStatus  `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RunLog is one ordered log line of an agent run.
type RunLog struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrRunNotFound = errors.New("agent run not found")

// CreateAgentRun inserts a run in the queued state.
func (s *Store) CreateAgentRun(ctx context.Context, taskID string) (*AgentRun, error) {
	run := &AgentRun{
		ID:     shared.NewRunID(),
		TaskID: taskID,
		Status: RunStatusQueued,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, task_id, status) VALUES (?, ?, ?);
	`, run.ID, taskID, run.Status)
	if err != nil {
		return nil, fmt.Errorf("insert agent run: %w", err)
	}
	return run, nil
}

// GetAgentRun loads a run by id.
func (s *Store) GetAgentRun(ctx context.Context, runID string) (*AgentRun, error) {
	var run AgentRun
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, summary, error, started_at, finished_at, created_at, updated_at
		FROM agent_runs WHERE id = ?;
	`, runID).Scan(&run.ID, &run.TaskID, &run.Status, &run.Summary, &run.Error, &started, &finished, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("select agent run: %w", err)
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// StartAgentRun moves a queued run to running and stamps started_at.
func (s *Store) StartAgentRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, RunStatusRunning, runID, RunStatusQueued)
	if err != nil {
		return fmt.Errorf("start agent run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start run rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("run %s is not queued", runID)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunStarted, runID)
	}
	return nil
}

// FinishAgentRun records the terminal outcome of a run. A run already
// cancelled is never overwritten: cancellation takes precedence over any
// failure reported by a racing error handler.
func (s *Store) FinishAgentRun(ctx context.Context, runID string, status RunStatus, summary, errMsg string) error {
	switch status {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
	default:
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, summary = ?, error = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?);
	`, status, summary, errMsg, runID, RunStatusQueued, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("finish agent run: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunFinished, runID)
	}
	return nil
}

// AppendRunLog stores one log line and fans it out for live tailing.
func (s *Store) AppendRunLog(ctx context.Context, runID, stream, line string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_run_logs (run_id, stream, line) VALUES (?, ?, ?);
	`, runID, stream, line)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunLogPrefix+runID, bus.RunLogEvent{RunID: runID, Stream: stream, Line: line})
	}
	return nil
}

// ListRunLogs returns log lines for a run in insertion order.
func (s *Store) ListRunLogs(ctx context.Context, runID string, afterID int64, limit int) ([]RunLog, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stream, line, created_at
		FROM agent_run_logs
		WHERE run_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		var l RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Stream, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run log rows: %w", err)
	}
	return out, nil
}
