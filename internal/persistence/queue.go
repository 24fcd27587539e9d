package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Job kinds.
const (
	JobKindAgentRun = "agent.run"
)

// JobQueueEntry is one generic unit of background work.
type JobQueueEntry struct {
	ID          int64      `json:"id"`
	ProjectID   string     `json:"project_id,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Kind        string     `json:"kind"`
	Payload     string     `json:"payload"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// EnqueueJob inserts a pending entry eligible to run immediately.
func (s *Store) EnqueueJob(ctx context.Context, projectID, provider, kind, payload string) (int64, error) {
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_queue (project_id, provider, kind, payload, status, max_attempts)
		VALUES (?, ?, ?, ?, 'pending', ?);
	`, projectID, provider, kind, payload, defaultMaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue last insert id: %w", err)
	}
	return id, nil
}

// ClaimNextJob atomically claims the oldest eligible pending entry among the
// recognized kinds for the given worker. The claim is a single conditional
// UPDATE inside a transaction: two workers can never hold the same entry.
// Returns nil when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, kinds []string) (*JobQueueEntry, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	kindArgs := make([]any, 0, len(kinds))
	for _, k := range kinds {
		kindArgs = append(kindArgs, k)
	}

	var entry *JobQueueEntry
	err := retryOnBusy(ctx, 5, func() error {
		entry = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id int64
		query := `
			SELECT id FROM job_queue
			WHERE status = 'pending'
			  AND next_run_at <= CURRENT_TIMESTAMP
			  AND locked_by IS NULL
			  AND kind IN (` + placeholders + `)
			ORDER BY id ASC
			LIMIT 1;`
		if err := tx.QueryRowContext(ctx, query, kindArgs...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return tx.Commit()
			}
			return fmt.Errorf("select eligible job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'running', locked_by = ?, locked_at = CURRENT_TIMESTAMP,
				attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending' AND locked_by IS NULL;
		`, workerID, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Lost the race; leave it for the next poll.
			return tx.Commit()
		}

		var e JobQueueEntry
		var lockedBy sql.NullString
		var lockedAt sql.NullTime
		if err := tx.QueryRowContext(ctx, `
			SELECT id, project_id, provider, kind, payload, status, attempt, max_attempts,
				next_run_at, locked_by, locked_at, last_error, created_at
			FROM job_queue WHERE id = ?;
		`, id).Scan(&e.ID, &e.ProjectID, &e.Provider, &e.Kind, &e.Payload, &e.Status,
			&e.Attempt, &e.MaxAttempts, &e.NextRunAt, &lockedBy, &lockedAt, &e.LastError, &e.CreatedAt); err != nil {
			return fmt.Errorf("reload claimed job: %w", err)
		}
		if lockedBy.Valid {
			e.LockedBy = lockedBy.String
		}
		if lockedAt.Valid {
			t := lockedAt.Time
			e.LockedAt = &t
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CompleteJob marks a claimed entry successful and releases the lock.
func (s *Store) CompleteJob(ctx context.Context, jobID int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = 'success', locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_by = ?;
	`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("job %d not locked by %s", jobID, workerID)
	}
	return nil
}

// FailJob records a failed attempt. Below max_attempts the entry is
// rescheduled with exponential backoff; at max_attempts it stays failed for
// manual inspection.
func (s *Store) FailJob(ctx context.Context, jobID int64, workerID, jobErr string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempt, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempt, max_attempts FROM job_queue WHERE id = ? AND locked_by = ?;
		`, jobID, workerID).Scan(&attempt, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %d not locked by %s", jobID, workerID)
			}
			return fmt.Errorf("select job for fail: %w", err)
		}

		if attempt >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE job_queue
				SET status = 'failed', locked_by = NULL, locked_at = NULL,
					last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, jobErr, jobID); err != nil {
				return fmt.Errorf("fail job terminally: %w", err)
			}
			return tx.Commit()
		}

		delay := backoffDelay(attempt)
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'pending', locked_by = NULL, locked_at = NULL,
				last_error = ?, next_run_at = DATETIME(CURRENT_TIMESTAMP, ?),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, jobErr, fmt.Sprintf("+%d seconds", int(delay.Seconds())), jobID); err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		return tx.Commit()
	})
}

// backoffDelay returns the retry delay after the given attempt number
// (1-based): 30s, 60s, 120s, ... capped at 15m.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	return delay
}

// RequeueStaleJobs reclaims entries whose worker disappeared mid-job: running
// rows locked longer than the lease go back to pending for another worker, or
// fail terminally when the attempt budget is already spent. Returns how many
// rows moved.
func (s *Store) RequeueStaleJobs(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(lease.Seconds()))
	var moved int64
	err := retryOnBusy(ctx, 5, func() error {
		moved = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'failed', locked_by = NULL, locked_at = NULL,
				last_error = 'lease expired: worker did not finish', updated_at = CURRENT_TIMESTAMP
			WHERE status = 'running'
			  AND locked_at <= DATETIME(CURRENT_TIMESTAMP, ?)
			  AND attempt >= max_attempts;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("fail expired jobs: %w", err)
		}
		failed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail expired rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE job_queue
			SET status = 'pending', locked_by = NULL, locked_at = NULL,
				last_error = 'lease expired: worker did not finish',
				next_run_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE status = 'running'
			  AND locked_at <= DATETIME(CURRENT_TIMESTAMP, ?);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("requeue expired jobs: %w", err)
		}
		requeued, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue expired rows affected: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		moved = failed + requeued
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// GetJob loads one queue entry, mainly for tests and diagnostics.
func (s *Store) GetJob(ctx context.Context, jobID int64) (*JobQueueEntry, error) {
	var e JobQueueEntry
	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, provider, kind, payload, status, attempt, max_attempts,
			next_run_at, locked_by, locked_at, last_error, created_at
		FROM job_queue WHERE id = ?;
	`, jobID).Scan(&e.ID, &e.ProjectID, &e.Provider, &e.Kind, &e.Payload, &e.Status,
		&e.Attempt, &e.MaxAttempts, &e.NextRunAt, &lockedBy, &lockedAt, &e.LastError, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d not found", jobID)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	if lockedBy.Valid {
		e.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		e.LockedAt = &t
	}
	return &e, nil
}

// PendingJobCount reports how many entries are waiting, for health output.
func (s *Store) PendingJobCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM job_queue WHERE status = 'pending';
	`).Scan(&count); err != nil {
		return 0, fmt.Errorf("pending job count: %w", err)
	}
	return count, nil
}
