package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/l429609201/danmu-api-server/models"
)

// Task lifecycle states persisted in task_history.
const (
	TaskStatusPending   = "PENDING"
	TaskStatusRunning   = "RUNNING"
	TaskStatusPaused    = "PAUSED"
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
)

// CreateTask records a new task in PENDING state.
func (db *DB) CreateTask(ctx context.Context, taskID, title string) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO task_history (id, title, status, progress, description, created_at, updated_at)
		VALUES (?, ?, ?, 0, 'queued', ?, ?)`,
		taskID, title, TaskStatusPending, now, now)
	return err
}

// UpdateTaskProgress updates a task's live status line.
func (db *DB) UpdateTaskProgress(ctx context.Context, taskID, status string, progress int, description string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE task_history SET status = ?, progress = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		status, progress, description, time.Now().UTC(), taskID)
	return err
}

// UpdateTaskStatus changes a task's status line without touching its
// progress, used for pause/resume transitions.
func (db *DB) UpdateTaskStatus(ctx context.Context, taskID, status, description string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE task_history SET status = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		status, description, time.Now().UTC(), taskID)
	return err
}

// FinishTask records a task's terminal state and finish time.
func (db *DB) FinishTask(ctx context.Context, taskID, status string, progress int, description string) error {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		UPDATE task_history SET status = ?, progress = ?, description = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		status, progress, description, now, now, taskID)
	return err
}

// GetTask returns one task row.
func (db *DB) GetTask(ctx context.Context, taskID string) (*models.TaskInfo, error) {
	var (
		t        models.TaskInfo
		finished sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, title, status, progress, description, created_at, finished_at
		FROM task_history WHERE id = ?`, taskID).Scan(
		&t.TaskID, &t.Title, &t.Status, &t.Progress, &t.Description, &t.CreatedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		ft := finished.Time
		t.FinishedAt = &ft
	}
	return &t, nil
}

// ListTasks returns task history, newest first, optionally filtered by a
// case-insensitive title substring.
func (db *DB) ListTasks(ctx context.Context, titleFilter string, limit int) ([]models.TaskInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, status, progress, description, created_at, finished_at
		FROM task_history
		WHERE (? = '' OR title LIKE '%' || ? || '%')
		ORDER BY created_at DESC
		LIMIT ?`, titleFilter, titleFilter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskInfo
	for rows.Next() {
		var (
			t        models.TaskInfo
			finished sql.NullTime
		)
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Status, &t.Progress,
			&t.Description, &t.CreatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			ft := finished.Time
			t.FinishedAt = &ft
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTask removes one finished task from the history.
func (db *DB) DeleteTask(ctx context.Context, taskID string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM task_history WHERE id = ?`, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInterruptedTasks fails every task left RUNNING or PAUSED by a
// previous process, called once at startup before the worker starts.
func (db *DB) MarkInterruptedTasks(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		UPDATE task_history SET status = ?, description = 'interrupted by restart', updated_at = ?, finished_at = ?
		WHERE status IN (?, ?)`,
		TaskStatusFailed, now, now, TaskStatusRunning, TaskStatusPaused)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneTaskHistory deletes finished tasks older than the cutoff.
func (db *DB) PruneTaskHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM task_history
		WHERE finished_at IS NOT NULL AND finished_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
