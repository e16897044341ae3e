// Package task implements the single-worker task engine: a FIFO queue
// of long-running jobs with live progress, pause/resume and abort.
package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/l429609201/danmu-api-server/internal/database"
)

// ProgressFunc reports a job's progress. It blocks while the task is
// paused and returns quickly otherwise; progress is clamped to 0..100.
type ProgressFunc func(progress int, description string)

// Runner is the body of one task. It must honor ctx cancellation and
// call progress as it advances. Returning Success(msg) completes the
// task with msg; any other non-nil error fails it.
type Runner func(ctx context.Context, progress ProgressFunc) error

// SuccessError carries a task's final message through the error return.
type SuccessError struct {
	Message string
}

func (e *SuccessError) Error() string { return e.Message }

// Success builds the sentinel a Runner returns to complete with a
// custom final message.
func Success(msg string) error { return &SuccessError{Message: msg} }

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("task queue full")

const (
	queueCapacity = 100
	// abortedMessage is the terminal description for user aborts.
	abortedMessage = "aborted by user"
	maxErrLen      = 300
)

// gate is a two-state event: open lets Wait return immediately, closed
// blocks it until reopened or the context ends.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

func (g *gate) closeGate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

func (g *gate) wait(ctx context.Context) {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

type queuedTask struct {
	id    string
	title string
	run   Runner
}

type currentTask struct {
	id     string
	cancel context.CancelFunc
	pause  *gate
	paused bool
}

// Manager is the task engine. One worker goroutine drains the queue, so
// at most one task runs at a time.
type Manager struct {
	db    *database.DB
	queue chan *queuedTask

	mu      sync.Mutex
	current *currentTask

	stop chan struct{}
	done chan struct{}
}

// NewManager builds the engine.
func NewManager(db *database.DB) *Manager {
	return &Manager{
		db:    db,
		queue: make(chan *queuedTask, queueCapacity),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start reconciles tasks orphaned by a previous process and launches
// the worker.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.db.MarkInterruptedTasks(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted tasks: %w", err)
	}
	if n > 0 {
		log.Printf("[task] failed %d task(s) interrupted by restart", n)
	}
	go m.worker()
	return nil
}

// Stop shuts the worker down after the current task finishes or aborts.
func (m *Manager) Stop() {
	close(m.stop)
	m.mu.Lock()
	if m.current != nil {
		m.current.cancel()
		m.current.pause.open()
	}
	m.mu.Unlock()
	<-m.done
}

// Submit queues a task and returns its id.
func (m *Manager) Submit(ctx context.Context, title string, run Runner) (string, error) {
	id := uuid.NewString()
	if err := m.db.CreateTask(ctx, id, title); err != nil {
		return "", err
	}
	select {
	case m.queue <- &queuedTask{id: id, title: title, run: run}:
		return id, nil
	default:
		m.db.FinishTask(ctx, id, database.TaskStatusFailed, 0, "queue full")
		return "", ErrQueueFull
	}
}

// Pause suspends the currently running task. Pausing anything else,
// including queued tasks, is a conflict.
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.id != taskID || m.current.paused {
		return database.ErrConflict
	}
	m.current.paused = true
	m.current.pause.closeGate()
	return m.db.UpdateTaskStatus(ctx, taskID, database.TaskStatusPaused, "paused")
}

// Resume releases a paused task.
func (m *Manager) Resume(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.id != taskID || !m.current.paused {
		return database.ErrConflict
	}
	m.current.paused = false
	m.current.pause.open()
	return m.db.UpdateTaskStatus(ctx, taskID, database.TaskStatusRunning, "resumed")
}

// Abort cancels the running task, or fails a queued one before it ever
// starts. Aborting a finished task is a no-op.
func (m *Manager) Abort(ctx context.Context, taskID string) error {
	m.mu.Lock()
	if m.current != nil && m.current.id == taskID {
		m.current.cancel()
		m.current.pause.open()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	t, err := m.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == database.TaskStatusPending {
		return m.db.FinishTask(ctx, taskID, database.TaskStatusFailed, 0, abortedMessage)
	}
	return nil
}

// Delete aborts a task if needed and removes it from the history.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if err := m.Abort(ctx, taskID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	err := m.db.DeleteTask(ctx, taskID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) worker() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case qt := <-m.queue:
			m.runOne(qt)
		}
	}
}

func (m *Manager) runOne(qt *queuedTask) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A queued task may have been aborted before reaching the worker.
	if t, err := m.db.GetTask(ctx, qt.id); err != nil || t.Status != database.TaskStatusPending {
		return
	}

	cur := &currentTask{id: qt.id, cancel: cancel, pause: newGate()}
	m.mu.Lock()
	m.current = cur
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
	}()

	if err := m.db.UpdateTaskProgress(ctx, qt.id, database.TaskStatusRunning, 0, "running"); err != nil {
		log.Printf("[task] %s: mark running failed: %v", qt.id, err)
	}

	progress := func(p int, description string) {
		cur.pause.wait(ctx)
		if ctx.Err() != nil {
			return
		}
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		m.mu.Lock()
		status := database.TaskStatusRunning
		if cur.paused {
			status = database.TaskStatusPaused
		}
		m.mu.Unlock()
		if err := m.db.UpdateTaskProgress(context.Background(), qt.id, status, p, description); err != nil {
			log.Printf("[task] %s: progress update failed: %v", qt.id, err)
		}
	}

	err := m.runSafely(ctx, qt, progress)
	finishCtx := context.Background()

	var success *SuccessError
	switch {
	case errors.As(err, &success):
		m.db.FinishTask(finishCtx, qt.id, database.TaskStatusCompleted, 100, success.Message)
	case err == nil:
		m.db.FinishTask(finishCtx, qt.id, database.TaskStatusCompleted, 100, "done")
	case errors.Is(err, context.Canceled):
		m.db.FinishTask(finishCtx, qt.id, database.TaskStatusFailed, 0, abortedMessage)
	default:
		msg := err.Error()
		if len(msg) > maxErrLen {
			msg = msg[:maxErrLen]
		}
		m.db.FinishTask(finishCtx, qt.id, database.TaskStatusFailed, 0, msg)
	}
}

// runSafely keeps a panicking task from killing the worker.
func (m *Manager) runSafely(ctx context.Context, qt *queuedTask, progress ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	if err := qt.run(ctx, progress); err != nil {
		return err
	}
	return ctx.Err()
}
