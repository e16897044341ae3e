// Package scheduler runs cron-registered jobs through the task engine.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/models"
	"github.com/l429609201/danmu-api-server/services/task"
)

// JobFunc is the body of one scheduled job type. It runs inside a task,
// so progress and Success/error semantics match task runners.
type JobFunc func(ctx context.Context, progress task.ProgressFunc) error

// pollInterval bounds how stale a schedule change can be before the
// loop notices it.
const pollInterval = 30 * time.Second

// Service owns the cron loop and the registered job types.
type Service struct {
	db     *database.DB
	tasks  *task.Manager
	parser cron.Parser
	jobs   map[string]JobFunc

	stop chan struct{}
	done chan struct{}
}

// NewService builds the scheduler with standard five-field cron
// expressions.
func NewService(db *database.DB, tasks *task.Manager) *Service {
	return &Service{
		db:     db,
		tasks:  tasks,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:   make(map[string]JobFunc),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RegisterJob binds a job type name to its body. Registration happens
// before Start.
func (s *Service) RegisterJob(jobType string, fn JobFunc) {
	s.jobs[jobType] = fn
}

// JobTypes lists the registered job type names.
func (s *Service) JobTypes() []string {
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Start recomputes every enabled job's next fire time and launches the
// loop.
func (s *Service) Start(ctx context.Context) error {
	rows, err := s.db.ListScheduledTasks(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, row := range rows {
		if !row.IsEnabled {
			continue
		}
		sched, err := s.parser.Parse(row.CronExpression)
		if err != nil {
			log.Printf("[scheduler] job %s has invalid cron %q: %v", row.ID, row.CronExpression, err)
			continue
		}
		if err := s.db.SetScheduledTaskNextRun(ctx, row.ID, sched.Next(now)); err != nil {
			return err
		}
	}
	go s.loop()
	return nil
}

// Stop halts the loop. Already-submitted tasks finish normally.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Service) loop() {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.fireDue(context.Background())
		}
	}
}

func (s *Service) fireDue(ctx context.Context) {
	rows, err := s.db.ListScheduledTasks(ctx)
	if err != nil {
		log.Printf("[scheduler] list jobs: %v", err)
		return
	}
	now := time.Now()
	for i := range rows {
		row := rows[i]
		if !row.IsEnabled || row.NextRunAt == nil || row.NextRunAt.After(now) {
			continue
		}
		if err := s.submit(ctx, &row, now); err != nil {
			log.Printf("[scheduler] fire %s (%s): %v", row.Name, row.JobType, err)
		}
	}
}

func (s *Service) submit(ctx context.Context, row *models.ScheduledTask, now time.Time) error {
	fn, ok := s.jobs[row.JobType]
	if !ok {
		return fmt.Errorf("unknown job type %q", row.JobType)
	}
	sched, err := s.parser.Parse(row.CronExpression)
	if err != nil {
		return err
	}
	if _, err := s.tasks.Submit(ctx, fmt.Sprintf("定时任务: %s", row.Name), task.Runner(fn)); err != nil {
		return err
	}
	return s.db.TouchScheduledTask(ctx, row.ID, now, sched.Next(now))
}

// Create registers a new cron job.
func (s *Service) Create(ctx context.Context, name, jobType, cronExpr string, enabled bool) (*models.ScheduledTask, error) {
	if _, ok := s.jobs[jobType]; !ok {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	t := &models.ScheduledTask{
		ID:             uuid.NewString(),
		Name:           name,
		JobType:        jobType,
		CronExpression: cronExpr,
		IsEnabled:      enabled,
	}
	if err := s.db.CreateScheduledTask(ctx, t); err != nil {
		return nil, err
	}
	if enabled {
		next := sched.Next(time.Now())
		if err := s.db.SetScheduledTaskNextRun(ctx, t.ID, next); err != nil {
			return nil, err
		}
		t.NextRunAt = &next
	}
	return t, nil
}

// Update rewrites a job's name, schedule and enabled flag.
func (s *Service) Update(ctx context.Context, id, name, cronExpr string, enabled bool) (*models.ScheduledTask, error) {
	existing, err := s.db.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	existing.Name = name
	existing.CronExpression = cronExpr
	existing.IsEnabled = enabled
	if err := s.db.UpdateScheduledTask(ctx, existing); err != nil {
		return nil, err
	}
	if enabled {
		next := sched.Next(time.Now())
		if err := s.db.SetScheduledTaskNextRun(ctx, id, next); err != nil {
			return nil, err
		}
		existing.NextRunAt = &next
	}
	return existing, nil
}

// Delete removes a job registration.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.db.DeleteScheduledTask(ctx, id)
}

// List returns every registration.
func (s *Service) List(ctx context.Context) ([]models.ScheduledTask, error) {
	return s.db.ListScheduledTasks(ctx)
}

// RunNow fires one job immediately, regardless of its schedule or
// enabled flag.
func (s *Service) RunNow(ctx context.Context, id string) error {
	row, err := s.db.GetScheduledTask(ctx, id)
	if err != nil {
		return err
	}
	return s.submit(ctx, row, time.Now())
}
