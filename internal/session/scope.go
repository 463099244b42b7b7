// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/ids"
	"github.com/holomush/tickhost/pkg/errutil"
)

// Scope is a supervisor for launched work. Cancelling a scope cancels its
// jobs and child scopes; a failing job never cancels its siblings.
type Scope struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[ulid.ULID]*Job
}

// NewScope creates a root scope that ends with parent.
func NewScope(parent context.Context, name string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scope{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		jobs:   make(map[ulid.ULID]*Job),
	}
}

// Child creates a scope cancelled together with s.
func (s *Scope) Child(name string) (*Scope, error) {
	if !s.Active() {
		return nil, s.cancelledErr()
	}
	return NewScope(s.ctx, s.name+"/"+name, s.logger), nil
}

// Name returns the scope path.
func (s *Scope) Name() string {
	return s.name
}

// Context is cancelled when the scope is.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Active reports whether the scope still accepts work.
func (s *Scope) Active() bool {
	return s.ctx.Err() == nil
}

// Cancel cancels the scope, its jobs and its children.
func (s *Scope) Cancel() {
	s.cancel()
}

// Jobs returns the number of unfinished jobs.
func (s *Scope) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Launch runs fn on d as a job of s.
func (s *Scope) Launch(d Dispatcher, fn func(ctx context.Context) error) (*Job, error) {
	if fn == nil {
		return nil, oops.Code("SESSION_INVALID_JOB").With("scope", s.name).Errorf("job function is required")
	}
	if !s.Active() {
		return nil, s.cancelledErr()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	job := &Job{
		id:     ids.New(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()

	if err := d.Dispatch(func() { s.run(job, fn) }); err != nil {
		s.forget(job)
		cancel()
		return nil, err
	}
	return job, nil
}

func (s *Scope) run(job *Job, fn func(ctx context.Context) error) {
	defer s.forget(job)
	defer job.cancel()

	var err error
	if err = job.ctx.Err(); err == nil {
		err = runGuarded(job.ctx, fn)
	}
	job.finish(err)

	if err != nil && !errors.Is(err, context.Canceled) {
		errutil.LogError(s.logger, "job failed", err, "scope", s.name, "job", job.id.String())
	}
}

func (s *Scope) forget(job *Job) {
	s.mu.Lock()
	delete(s.jobs, job.id)
	s.mu.Unlock()
}

func (s *Scope) cancelledErr() error {
	return oops.Code("SESSION_SCOPE_CANCELLED").With("scope", s.name).Wrap(ErrScopeCancelled)
}

// Job is a handle on launched work.
type Job struct {
	id     ulid.ULID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the job id.
func (j *Job) ID() ulid.ULID {
	return j.id
}

// Cancel cancels the job's context.
func (j *Job) Cancel() {
	j.cancel()
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the job's result once done.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return oops.Code("SESSION_WAIT_CANCELLED").With("job", j.id.String()).Wrap(ctx.Err())
	}
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	j.mu.Unlock()
	close(j.done)
}
