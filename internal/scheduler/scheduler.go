// Package scheduler runs periodic background jobs — graph snapshots,
// version compaction, cache cleanup — without blocking request-serving
// goroutines (spec.md §4.6). Each task runs in its own goroutine on a
// jittered interval and auto-disables after too many consecutive
// failures so a broken dependency doesn't spam logs forever.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/forge-project/forge-core/internal/circuitbreaker"
)

// MaxConsecutiveFailures is how many times a task may fail in a row
// before the scheduler disables it and waits for an operator to call ResetTask.
const MaxConsecutiveFailures = 10

// TaskFunc is the unit of work a scheduled task performs on each tick.
type TaskFunc func(ctx context.Context) error

// Task tracks one registered job and its run history.
type Task struct {
	Name                string
	Fn                  TaskFunc
	Interval            time.Duration
	mu                  sync.Mutex
	enabled             bool
	lastRun             time.Time
	runCount            int64
	errorCount          int64
	consecutiveFailures int
	lastError           string
	autoDisabled        bool
	cancel              context.CancelFunc
}

func (t *Task) snapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		Name:                t.Name,
		Enabled:             t.enabled,
		IntervalSeconds:     t.Interval.Seconds(),
		LastRun:             t.lastRun,
		RunCount:            t.runCount,
		ErrorCount:          t.errorCount,
		ConsecutiveFailures: t.consecutiveFailures,
		AutoDisabled:        t.autoDisabled,
		LastError:           t.lastError,
	}
}

// TaskStatus is a read-only snapshot of a Task's run history.
type TaskStatus struct {
	Name                string
	Enabled             bool
	IntervalSeconds     float64
	LastRun             time.Time
	RunCount            int64
	ErrorCount          int64
	ConsecutiveFailures int
	AutoDisabled        bool
	LastError           string
}

// Stats summarizes the scheduler as a whole.
type Stats struct {
	IsRunning       bool
	StartedAt       time.Time
	TasksRegistered int
	TotalRuns       int64
	TotalErrors     int64
	Tasks           map[string]TaskStatus
}

// Scheduler owns a set of named periodic tasks.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	running   bool
	startedAt time.Time
	totalRuns int64
	totalErrs int64

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New constructs an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: make(map[string]*Task), logger: logger}
}

// Register adds a named task. Registering a name twice is a no-op — the
// first registration wins, matching the original's warn-and-skip behavior.
func (s *Scheduler) Register(name string, fn TaskFunc, interval time.Duration, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		s.logger.Warn("scheduler task already registered", "name", name)
		return
	}
	s.tasks[name] = &Task{Name: name, Fn: fn, Interval: interval, enabled: enabled}
	s.logger.Info("scheduler task registered", "name", name, "interval_seconds", interval.Seconds(), "enabled", enabled)
}

// EnableTask re-enables a registered task.
func (s *Scheduler) EnableTask(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
	return true
}

// DisableTask disables a registered task without clearing its failure history.
func (s *Scheduler) DisableTask(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
	return true
}

// Start launches a goroutine loop for every currently enabled task.
// Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler already running")
		return
	}
	s.running = true
	s.startedAt = time.Now()

	var toStart []*Task
	for _, t := range s.tasks {
		t.mu.Lock()
		if t.enabled {
			toStart = append(toStart, t)
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "tasks", len(s.tasks), "enabled", len(toStart))
	for _, t := range toStart {
		s.startTaskLoop(ctx, t)
	}
}

func (s *Scheduler) startTaskLoop(parent context.Context, t *Task) {
	taskCtx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.taskLoop(taskCtx, t)
	}()
}

// jitter staggers task start times deterministically by name, the same
// way the original spreads goroutines across the first ten seconds.
func jitter(name string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum32()%10) * time.Second
}

func (s *Scheduler) taskLoop(ctx context.Context, t *Task) {
	s.logger.Info("scheduler task loop starting", "name", t.Name, "interval", t.Interval)

	select {
	case <-time.After(jitter(t.Name)):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		t.mu.Lock()
		disabled := t.autoDisabled
		t.mu.Unlock()
		if disabled {
			s.logger.Warn("scheduler task auto-disabled, stopping loop", "name", t.Name)
			return
		}

		s.runOnce(ctx, t)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *Task) {
	err := t.Fn(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	var cbErr *circuitbreaker.Error
	if errors.As(err, &cbErr) {
		s.logger.Warn("scheduler task rejected by circuit breaker, not counted as failure",
			"name", t.Name, "breaker", cbErr.Name, "breaker_state", cbErr.State)
		return
	}

	if err != nil {
		t.errorCount++
		t.consecutiveFailures++
		t.lastError = err.Error()
		s.addError()

		s.logger.Error("scheduler task error", "name", t.Name, "error", err, "consecutive_failures", t.consecutiveFailures)

		if t.consecutiveFailures >= MaxConsecutiveFailures {
			t.autoDisabled = true
			t.enabled = false
			s.logger.Error("scheduler task auto-disabled after repeated failures", "name", t.Name, "consecutive_failures", t.consecutiveFailures)
		}
		return
	}

	t.lastRun = time.Now()
	t.runCount++
	t.consecutiveFailures = 0
	s.addRun()
}

func (s *Scheduler) addRun() {
	s.mu.Lock()
	s.totalRuns++
	s.mu.Unlock()
}

func (s *Scheduler) addError() {
	s.mu.Lock()
	s.totalErrs++
	s.mu.Unlock()
}

// Stop cancels every running task loop and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	var tasks []*Task
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")
	for _, t := range tasks {
		t.mu.Lock()
		cancel := t.cancel
		t.cancel = nil
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunTaskNow executes a registered task immediately, outside its regular
// interval, updating the same run/error counters the loop would.
func (s *Scheduler) RunTaskNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	s.runOnce(ctx, t)

	t.mu.Lock()
	lastErr := t.lastError
	failed := t.consecutiveFailures > 0
	t.mu.Unlock()
	if failed {
		return fmt.Errorf("scheduler: task %q failed: %s", name, lastErr)
	}
	return nil
}

// ResetTask clears a task's failure state and re-enables it, restarting
// its loop if the scheduler is currently running.
func (s *Scheduler) ResetTask(ctx context.Context, name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	running := s.running
	s.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	t.consecutiveFailures = 0
	t.autoDisabled = false
	t.enabled = true
	t.lastError = ""
	alreadyRunning := t.cancel != nil
	t.mu.Unlock()

	s.logger.Info("scheduler task reset", "name", name)

	if running && !alreadyRunning {
		s.startTaskLoop(ctx, t)
	}
	return true
}

// GetAutoDisabledTasks lists tasks currently disabled due to repeated failure.
func (s *Scheduler) GetAutoDisabledTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, t := range s.tasks {
		t.mu.Lock()
		disabled := t.autoDisabled
		t.mu.Unlock()
		if disabled {
			names = append(names, name)
		}
	}
	return names
}

// GetStats returns a full snapshot of the scheduler and every task.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]TaskStatus, len(s.tasks))
	for name, t := range s.tasks {
		tasks[name] = t.snapshot()
	}

	return Stats{
		IsRunning:       s.running,
		StartedAt:       s.startedAt,
		TasksRegistered: len(s.tasks),
		TotalRuns:       s.totalRuns,
		TotalErrors:     s.totalErrs,
		Tasks:           tasks,
	}
}
