// Package refresh runs named background refresh tasks: each task polls on
// its own interval, can be triggered on demand with a per-task debounce, and
// every task is refreshed when the session becomes visible again.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultDebounce      = 1 * time.Second
	DefaultMaxConcurrent = 3
)

// ErrTaskNotFound is returned for operations on an unknown task id.
var ErrTaskNotFound = errors.New("refresh task not found")

var (
	runCounter     = metrics.GetOrCreateCounter("refresh_task_runs_total")
	failureCounter = metrics.GetOrCreateCounter("refresh_task_failures_total")
	skipCounter    = metrics.GetOrCreateCounter("refresh_task_skipped_total")
)

// Callback is the work of a task. The context is cancelled by Close.
type Callback func(ctx context.Context) error

// TaskInfo is a snapshot of a registered task.
type TaskInfo struct {
	ID             string
	Interval       time.Duration
	Debounce       time.Duration
	Enabled        bool
	Running        bool
	LastExecutedAt time.Time
}

type task struct {
	id             string
	callback       Callback
	interval       time.Duration
	debounce       time.Duration
	enabled        bool
	lastExecutedAt time.Time

	stopPolling   chan struct{}
	debounceTimer *time.Timer
}

// TaskOption configures one task.
type TaskOption func(*task)

func Interval(d time.Duration) TaskOption { return func(t *task) { t.interval = d } }

func Debounce(d time.Duration) TaskOption { return func(t *task) { t.debounce = d } }

// Disabled registers the task without starting its polling.
func Disabled() TaskOption { return func(t *task) { t.enabled = false } }

// Orchestrator owns the task registry and its timers.
type Orchestrator struct {
	logger        *slog.Logger
	now           func() time.Time
	maxConcurrent int64
	slots         *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	running map[string]bool
	polling bool
	visible bool
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrentTasks bounds how many distinct tasks may run at once.
func WithMaxConcurrentTasks(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrent = int64(n) }
}

// WithPolling sets whether interval polling is globally enabled.
func WithPolling(enabled bool) Option { return func(o *Orchestrator) { o.polling = enabled } }

func WithLogger(logger *slog.Logger) Option { return func(o *Orchestrator) { o.logger = logger } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New returns an Orchestrator with no tasks. The session starts visible.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:        slog.Default(),
		now:           time.Now,
		maxConcurrent: DefaultMaxConcurrent,
		tasks:         make(map[string]*task),
		running:       make(map[string]bool),
		polling:       true,
		visible:       true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxConcurrent <= 0 {
		o.maxConcurrent = DefaultMaxConcurrent
	}
	o.slots = semaphore.NewWeighted(o.maxConcurrent)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// AddTask registers a task, replacing any task with the same id, and starts
// its polling when both the task and global polling are enabled.
func (o *Orchestrator) AddTask(id string, callback Callback, opts ...TaskOption) error {
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if callback == nil {
		return fmt.Errorf("task %q: callback is required", id)
	}
	t := &task{
		id:       id,
		callback: callback,
		interval: DefaultInterval,
		debounce: DefaultDebounce,
		enabled:  true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.interval <= 0 {
		t.interval = DefaultInterval
	}
	if t.debounce < 0 {
		t.debounce = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("orchestrator is closed")
	}
	if old, ok := o.tasks[id]; ok {
		o.stopTimersLocked(old)
	}
	o.tasks[id] = t
	if o.polling && t.enabled {
		o.startPollingLocked(t)
	}
	o.logger.Debug("refresh task added", "task", id, "interval", t.interval.String(), "enabled", t.enabled)
	return nil
}

// RemoveTask cancels the task's timers and forgets it. A run already in
// progress finishes.
func (o *Orchestrator) RemoveTask(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	o.stopTimersLocked(t)
	delete(o.tasks, id)
	return nil
}

// RefreshTask schedules an immediate run of the task after its debounce.
// Repeated calls within the debounce window collapse into one run.
func (o *Orchestrator) RefreshTask(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	o.scheduleLocked(t)
	return nil
}

// RefreshAllTasks schedules every enabled task.
func (o *Orchestrator) RefreshAllTasks() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		if t.enabled {
			o.scheduleLocked(t)
		}
	}
}

// EnableTask resumes polling for the task.
func (o *Orchestrator) EnableTask(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.enabled = true
	if o.polling {
		o.startPollingLocked(t)
	}
	return nil
}

// DisableTask stops polling for the task but keeps its definition.
func (o *Orchestrator) DisableTask(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t.enabled = false
	o.stopTimersLocked(t)
	return nil
}

// SetPollingEnabled toggles interval polling for every task.
func (o *Orchestrator) SetPollingEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.polling = enabled
	for _, t := range o.tasks {
		if enabled && t.enabled {
			o.startPollingLocked(t)
		} else {
			o.stopPollingLocked(t)
		}
	}
}

// SetVisible records session visibility. Becoming visible refreshes every
// enabled task so a backgrounded session catches up at once.
func (o *Orchestrator) SetVisible(visible bool) {
	o.mu.Lock()
	becameVisible := visible && !o.visible
	o.visible = visible
	o.mu.Unlock()

	if becameVisible {
		o.logger.Debug("session visible, refreshing all tasks")
		o.RefreshAllTasks()
	}
}

// Task returns a snapshot of one task.
func (o *Orchestrator) Task(id string) (TaskInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return o.infoLocked(t), true
}

// Tasks returns snapshots of every task ordered by id.
func (o *Orchestrator) Tasks() []TaskInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TaskInfo, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, o.infoLocked(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every timer, cancels running callbacks' context and waits for
// them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, t := range o.tasks {
		o.stopTimersLocked(t)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) infoLocked(t *task) TaskInfo {
	return TaskInfo{
		ID:             t.id,
		Interval:       t.interval,
		Debounce:       t.debounce,
		Enabled:        t.enabled,
		Running:        o.running[t.id],
		LastExecutedAt: t.lastExecutedAt,
	}
}

func (o *Orchestrator) scheduleLocked(t *task) {
	if o.closed {
		return
	}
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	if t.debounce == 0 {
		t.debounceTimer = nil
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.execute(t)
		}()
		return
	}
	t.debounceTimer = time.AfterFunc(t.debounce, func() { o.execute(t) })
}

func (o *Orchestrator) startPollingLocked(t *task) {
	o.stopPollingLocked(t)
	stop := make(chan struct{})
	t.stopPolling = stop
	interval := t.interval

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.execute(t)
			case <-stop:
				return
			}
		}
	}()
}

func (o *Orchestrator) stopPollingLocked(t *task) {
	if t.stopPolling != nil {
		close(t.stopPolling)
		t.stopPolling = nil
	}
}

func (o *Orchestrator) stopTimersLocked(t *task) {
	o.stopPollingLocked(t)
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
}

// execute starts one run of t unless it is already running, it was removed,
// or the concurrency bound is reached. Skipped runs are dropped, not queued.
func (o *Orchestrator) execute(t *task) {
	o.mu.Lock()
	if o.closed || o.tasks[t.id] != t {
		o.mu.Unlock()
		return
	}
	if o.running[t.id] {
		o.mu.Unlock()
		skipCounter.Inc()
		o.logger.Debug("refresh task already running, skipping", "task", t.id)
		return
	}
	if !o.slots.TryAcquire(1) {
		o.mu.Unlock()
		skipCounter.Inc()
		o.logger.Debug("refresh concurrency limit reached, skipping", "task", t.id)
		return
	}
	o.running[t.id] = true
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.slots.Release(1)

		start := o.now()
		err := t.callback(o.ctx)
		runCounter.Inc()

		o.mu.Lock()
		delete(o.running, t.id)
		if err == nil {
			t.lastExecutedAt = o.now()
		}
		o.mu.Unlock()

		if err != nil {
			failureCounter.Inc()
			o.logger.Error("refresh task failed", "task", t.id, "error", err)
			return
		}
		o.logger.Debug("refresh task completed", "task", t.id, "duration", o.now().Sub(start).String())
	}()
}
