package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transferbook/internal/models"
)

const taskColumns = `id, task_type, booking_ref, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateTask(ctx context.Context, task *models.ReconcileTask) error {
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	query := `INSERT INTO reconcile_queue (task_type, booking_ref, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		task.TaskType,
		task.BookingRef,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		nullTime(task.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconcile task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

// GetPendingTasks returns due tasks, oldest first.
func (db *DB) GetPendingTasks(ctx context.Context, limit int) ([]*models.ReconcileTask, error) {
	query := `SELECT ` + taskColumns + ` FROM reconcile_queue
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.TaskPending, models.TaskRetry, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}
	return scanTasks(rows)
}

// UpdateTaskStatus moves a task along. A retry bumps the counter; completed
// and failed tasks get a processed_at stamp.
func (db *DB) UpdateTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var lastErr any
	if errMsg != "" {
		lastErr = errMsg
	}
	next := nullTime(nextRetryAt)

	var (
		query string
		args  []any
	)
	switch status {
	case models.TaskRetry:
		query = `UPDATE reconcile_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []any{status, lastErr, next, id}
	case models.TaskCompleted, models.TaskFailed:
		query = `UPDATE reconcile_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []any{status, lastErr, next, time.Now().UTC(), id}
	default:
		query = `UPDATE reconcile_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []any{status, lastErr, next, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update reconcile task %d: %w", id, err)
	}
	return nil
}

// GetFailedTasks lists dead tasks, newest first.
func (db *DB) GetFailedTasks(ctx context.Context, limit int) ([]*models.ReconcileTask, error) {
	query := `SELECT ` + taskColumns + ` FROM reconcile_queue WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, models.TaskFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed tasks: %w", err)
	}
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*models.ReconcileTask, error) {
	defer rows.Close()

	var tasks []*models.ReconcileTask
	for rows.Next() {
		var (
			t                      models.ReconcileTask
			lastErr                sql.NullString
			processedAt, nextRetry sql.NullTime
		)
		err := rows.Scan(&t.ID, &t.TaskType, &t.BookingRef, &t.Payload, &t.Status, &t.RetryCount,
			&lastErr, &t.CreatedAt, &processedAt, &nextRetry)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconcile task: %w", err)
		}
		if lastErr.Valid {
			s := lastErr.String
			t.LastError = &s
		}
		if processedAt.Valid {
			p := processedAt.Time
			t.ProcessedAt = &p
		}
		if nextRetry.Valid {
			n := nextRetry.Time
			t.NextRetryAt = &n
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reconcile tasks: %w", err)
	}
	return tasks, nil
}
