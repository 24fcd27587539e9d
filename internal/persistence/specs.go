package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskSpec is one immutable, versioned markdown rendering of a task's
// specification. Versions are monotonically increasing per task, starting at 1.
type TaskSpec struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrSpecNotFound = errors.New("task spec not found")

// InsertTaskSpec writes the next spec version for the task and returns it.
// The version is derived inside the transaction, so concurrent writers cannot
// allocate the same number.
func (s *Store) InsertTaskSpec(ctx context.Context, taskID, content string) (*TaskSpec, error) {
	var spec TaskSpec
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin spec tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var next int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM task_specs WHERE task_id = ?;
		`, taskID).Scan(&next); err != nil {
			return fmt.Errorf("next spec version: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_specs (task_id, version, content) VALUES (?, ?, ?);
		`, taskID, next, content)
		if err != nil {
			return fmt.Errorf("insert task spec: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("spec last insert id: %w", err)
		}
		spec = TaskSpec{ID: id, TaskID: taskID, Version: next, Content: content, CreatedAt: time.Now().UTC()}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// LatestTaskSpec returns the newest spec version for the task.
func (s *Store) LatestTaskSpec(ctx context.Context, taskID string) (*TaskSpec, error) {
	var spec TaskSpec
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, version, content, created_at
		FROM task_specs
		WHERE task_id = ?
		ORDER BY version DESC
		LIMIT 1;
	`, taskID).Scan(&spec.ID, &spec.TaskID, &spec.Version, &spec.Content, &spec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSpecNotFound
		}
		return nil, fmt.Errorf("select latest spec: %w", err)
	}
	return &spec, nil
}

// SpecVersionCount returns how many spec versions exist for the task.
func (s *Store) SpecVersionCount(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_specs WHERE task_id = ?;
	`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("spec version count: %w", err)
	}
	return count, nil
}
