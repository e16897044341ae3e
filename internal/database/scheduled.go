package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/l429609201/danmu-api-server/models"
)

// CreateScheduledTask registers a cron job.
func (db *DB) CreateScheduledTask(ctx context.Context, t *models.ScheduledTask) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, name, job_type, cron_expression, is_enabled)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.JobType, t.CronExpression, t.IsEnabled)
	return err
}

// UpdateScheduledTask rewrites a job's name, schedule and enabled flag.
func (db *DB) UpdateScheduledTask(ctx context.Context, t *models.ScheduledTask) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks SET name = ?, cron_expression = ?, is_enabled = ?
		WHERE id = ?`,
		t.Name, t.CronExpression, t.IsEnabled, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduledTask removes a job registration.
func (db *DB) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetScheduledTask returns one job registration.
func (db *DB) GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	var (
		t                  models.ScheduledTask
		lastRun, nextRun   sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, job_type, cron_expression, is_enabled, last_run_at, next_run_at
		FROM scheduled_tasks WHERE id = ?`, id).Scan(
		&t.ID, &t.Name, &t.JobType, &t.CronExpression, &t.IsEnabled, &lastRun, &nextRun)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	return &t, nil
}

// ListScheduledTasks returns every job registration.
func (db *DB) ListScheduledTasks(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, job_type, cron_expression, is_enabled, last_run_at, next_run_at
		FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduledTask
	for rows.Next() {
		var (
			t                models.ScheduledTask
			lastRun, nextRun sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.JobType, &t.CronExpression,
			&t.IsEnabled, &lastRun, &nextRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			v := lastRun.Time
			t.LastRunAt = &v
		}
		if nextRun.Valid {
			v := nextRun.Time
			t.NextRunAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchScheduledTask records a run and the schedule's next fire time.
func (db *DB) TouchScheduledTask(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), id)
	return err
}

// SetScheduledTaskNextRun updates only the next fire time, used when a
// job is (re)registered without running.
func (db *DB) SetScheduledTaskNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?`, nextRun.UTC(), id)
	return err
}
