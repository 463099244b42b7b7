// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package tick provides the host's single serial main thread: a fixed-rate
// tick loop that runs submitted work and plugin-owned scheduled tasks in
// order, plus a watchdog that reports stalled ticks.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/ids"
)

// Default loop settings. 50ms is twenty ticks per second.
const (
	DefaultRate           = 50 * time.Millisecond
	DefaultStallThreshold = 10 * time.Second
)

// Sentinel errors for programmatic error checking.
var (
	// ErrStopped is returned when submitting to a loop that has stopped.
	ErrStopped = errors.New("tick loop stopped")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("tick loop already running")
)

// task is a scheduled unit of work owned by a plugin.
type task struct {
	id     ulid.ULID
	owner  string
	due    uint64
	period uint64
	fn     func()
}

// Loop is the host main thread.
type Loop struct {
	rate           time.Duration
	stallThreshold time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	queue   []func()
	tasks   map[ulid.ULID]*task
	stopped bool

	wake     chan struct{}
	ticks    atomic.Uint64
	lastBeat atomic.Int64
	running  atomic.Bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithRate sets the tick interval.
func WithRate(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.rate = d
		}
	}
}

// WithStallThreshold sets how long the loop may go without a heartbeat
// before the watchdog reports a stall.
func WithStallThreshold(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.stallThreshold = d
		}
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a loop. It does nothing until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		rate:           DefaultRate,
		stallThreshold: DefaultStallThreshold,
		logger:         slog.Default(),
		tasks:          make(map[ulid.ULID]*task),
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastBeat.Store(time.Now().UnixNano())
	return l
}

// Run drives the loop until ctx is done. Work still queued at that point
// is discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ticker := time.NewTicker(l.rate)
	defer ticker.Stop()

	watchdogDone := make(chan struct{})
	go l.watchdog(ctx, watchdogDone)
	defer func() { <-watchdogDone }()

	l.Beat()
	for {
		select {
		case <-ctx.Done():
			l.stop()
			return nil
		case <-l.wake:
			l.drainQueue()
			l.Beat()
		case <-ticker.C:
			l.runTick()
		}
	}
}

// Submit queues fn to run on the main thread as soon as possible.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the main thread and waits for its result. It must not
// be called from the main thread itself.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	err := l.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- oops.Code("TICK_TASK_PANIC").Errorf("main thread call panicked: %v", r)
			}
		}()
		result <- fn()
	})
	if err != nil {
		return oops.Code("TICK_STOPPED").Wrap(err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return oops.Code("TICK_CALL_CANCELLED").Wrap(ctx.Err())
	}
}

// Schedule runs fn on the main thread after delay ticks, then every period
// ticks when period is positive. The task belongs to owner until it
// finishes or is cancelled.
func (l *Loop) Schedule(owner string, delay, period uint64, fn func()) (ulid.ULID, error) {
	if owner == "" {
		return ulid.ULID{}, oops.Code("TICK_INVALID_TASK").Errorf("task owner is required")
	}
	if fn == nil {
		return ulid.ULID{}, oops.Code("TICK_INVALID_TASK").With("owner", owner).Errorf("task function is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ulid.ULID{}, oops.Code("TICK_STOPPED").With("owner", owner).Wrap(ErrStopped)
	}
	t := &task{
		id:     ids.New(),
		owner:  owner,
		due:    l.ticks.Load() + delay,
		period: period,
		fn:     fn,
	}
	l.tasks[t.id] = t
	return t.id, nil
}

// ActiveTasks returns the ids of owner's pending tasks, oldest first.
func (l *Loop) ActiveTasks(owner string) []ulid.ULID {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ulid.ULID
	for id, t := range l.tasks {
		if t.owner == owner {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// CancelTask removes a pending task. It reports whether the task existed.
func (l *Loop) CancelTask(id ulid.ULID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.tasks[id]; !ok {
		return false
	}
	delete(l.tasks, id)
	return true
}

// Beat records that the main thread is alive.
func (l *Loop) Beat() {
	l.lastBeat.Store(time.Now().UnixNano())
}

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

func (l *Loop) runTick() {
	l.drainQueue()

	now := l.ticks.Add(1)
	l.mu.Lock()
	var due []*task
	for id, t := range l.tasks {
		if t.due > now {
			continue
		}
		due = append(due, t)
		if t.period == 0 {
			delete(l.tasks, id)
		} else {
			t.due = now + t.period
		}
	}
	l.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].id.Compare(due[j].id) < 0 })
	for _, t := range due {
		l.safeRun(t.fn, "owner", t.owner, "task", t.id.String())
	}
	l.Beat()
}

func (l *Loop) drainQueue() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range queue {
		l.safeRun(fn)
	}
}

func (l *Loop) safeRun(fn func(), attrs ...any) {
	defer func() {
		if r := recover(); r != nil {
			attrs = append(attrs, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			l.logger.Error("main thread task panicked", attrs...)
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.mu.Lock()
	dropped := len(l.queue)
	l.queue = nil
	l.tasks = make(map[ulid.ULID]*task)
	l.stopped = true
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Warn("tick loop stopped with queued work", "dropped", dropped)
	}
}

func (l *Loop) watchdog(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := l.stallThreshold / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stalled := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, l.lastBeat.Load()))
			switch {
			case since > l.stallThreshold && !stalled:
				stalled = true
				l.logger.Warn("main thread stalled", "since_last_beat", since.String(), "tick", l.ticks.Load())
			case since <= l.stallThreshold && stalled:
				stalled = false
				l.logger.Info("main thread recovered", "tick", l.ticks.Load())
			}
		}
	}
}
