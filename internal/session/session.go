// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package session bridges the host's single serial main thread and
// off-thread work for one plugin. A Session owns the two dispatch lanes,
// a supervisor scope for everything launched through it, and the
// heartbeat manipulation used while the main thread waits on a plugin.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/plugin"
)

// DefaultAsyncWorkers is the default size of a session's off-thread pool.
const DefaultAsyncWorkers = 4

// Session is a plugin's concurrency context for one enable cycle.
type Session struct {
	name      string
	logger    *slog.Logger
	heartbeat *Heartbeat
	main      *Serial
	async     *Pool
	root      *Scope
	disposed  atomic.Bool
}

type options struct {
	asyncWorkers int
}

// Option configures a Session.
type Option func(*options)

// WithAsyncWorkers sets the off-thread pool size.
func WithAsyncWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.asyncWorkers = n
		}
	}
}

// New creates the session for p. It fails with ErrPluginDisabled when p
// is not enabled.
func New(p plugin.Plugin, host MainThread, opts ...Option) (*Session, error) {
	if !p.Enabled() {
		return nil, oops.Code("SESSION_PLUGIN_DISABLED").
			With("plugin", p.Name()).
			Wrap(ErrPluginDisabled)
	}

	o := options{asyncWorkers: DefaultAsyncWorkers}
	for _, opt := range opts {
		opt(&o)
	}

	logger := p.Logger()
	hb := NewHeartbeat(host, logger)
	return &Session{
		name:      p.Name(),
		logger:    logger,
		heartbeat: hb,
		main:      NewSerial(p.Name()+"/main", host, hb),
		async:     NewPool(p.Name()+"/async", o.asyncWorkers, logger),
		root:      NewScope(context.Background(), p.Name(), logger),
	}, nil
}

// Name returns the owning plugin's name.
func (s *Session) Name() string {
	return s.name
}

// Main is the serial lane bound to the host main thread.
func (s *Session) Main() Dispatcher {
	return s.main
}

// Async is the off-thread lane.
func (s *Session) Async() Dispatcher {
	return s.async
}

// Scope is the plugin-wide supervisor scope.
func (s *Session) Scope() *Scope {
	return s.root
}

// Heartbeat exposes heartbeat manipulation.
func (s *Session) Heartbeat() *Heartbeat {
	return s.heartbeat
}

// NewScope creates a child of the plugin scope, typically one per extension.
func (s *Session) NewScope(name string) (*Scope, error) {
	if s.disposed.Load() {
		return nil, disposedErr(s.name)
	}
	return s.root.Child(name)
}

// Launch runs fn on d under parent, or under the plugin scope when parent
// is nil.
func (s *Session) Launch(d Dispatcher, parent *Scope, fn func(ctx context.Context) error) (*Job, error) {
	if s.disposed.Load() {
		return nil, disposedErr(s.name)
	}
	if parent == nil {
		parent = s.root
	}
	return parent.Launch(d, fn)
}

// WithManipulatedHeartbeat runs fn with heartbeat manipulation enabled and
// always disables it afterwards.
func (s *Session) WithManipulatedHeartbeat(fn func() error) error {
	if s.disposed.Load() {
		return disposedErr(s.name)
	}
	s.heartbeat.Enable()
	defer s.heartbeat.Disable()
	return fn()
}

// RunWithTimeout is the package RunWithTimeout, except that while waiting
// it pumps main-thread work redirected by heartbeat manipulation and beats
// the host.
func (s *Session) RunWithTimeout(ctx context.Context, d Dispatcher, timeout time.Duration, fn func(ctx context.Context) error) error {
	if s.disposed.Load() {
		return disposedErr(s.name)
	}
	return runWithTimeout(ctx, d, timeout, fn, s.heartbeat)
}

// Disposed reports whether Dispose was called.
func (s *Session) Disposed() bool {
	return s.disposed.Load()
}

// Dispose cancels all launched work and closes both lanes. Later use
// fails with ErrDisposed.
func (s *Session) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.root.Cancel()
	s.heartbeat.Disable()
	s.main.Close()
	s.async.Close()
	s.logger.Debug("session disposed")
}
