// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Dispatcher is a logical execution lane.
type Dispatcher interface {
	// Dispatch queues fn on the lane. It fails once the lane is closed.
	Dispatch(fn func()) error
	// Close stops accepting work.
	Close()
}

// MainThread is the host's single serial thread. *tick.Loop implements it.
type MainThread interface {
	Submit(fn func()) error
	Beat()
}

// Serial dispatches onto the host main thread, or onto the heartbeat queue
// while heartbeat manipulation is enabled.
type Serial struct {
	name      string
	host      MainThread
	heartbeat *Heartbeat
	mu        sync.RWMutex
	closed    bool
}

// NewSerial creates the main-thread lane. heartbeat may be nil.
func NewSerial(name string, host MainThread, heartbeat *Heartbeat) *Serial {
	return &Serial{name: name, host: host, heartbeat: heartbeat}
}

// Dispatch implements Dispatcher.
func (s *Serial) Dispatch(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return disposedErr(s.name)
	}
	if s.heartbeat != nil && s.heartbeat.offer(fn) {
		return nil
	}
	if err := s.host.Submit(fn); err != nil {
		return oops.Code("SESSION_MAIN_UNAVAILABLE").With("session", s.name).Wrap(err)
	}
	return nil
}

// Close implements Dispatcher.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// PoolCloseGrace is how long a closed pool waits for running work before
// warning that workers are still busy.
const PoolCloseGrace = 5 * time.Second

// Pool runs work on a fixed number of worker goroutines. Queued work is
// unbounded. Close stops intake and returns at once: workers finish what
// is already queued and exit on their own; Wait blocks until they have.
type Pool struct {
	name   string
	logger *slog.Logger
	grace  time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	live   int
	done   chan struct{}
}

// NewPool starts a pool of workers goroutines. workers below 1 means 1.
func NewPool(name string, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:   name,
		logger: logger,
		grace:  PoolCloseGrace,
		live:   workers,
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Dispatch implements Dispatcher.
func (p *Pool) Dispatch(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return disposedErr(p.name)
	}
	p.queue = append(p.queue, fn)
	p.cond.Signal()
	return nil
}

// Close implements Dispatcher. It never waits for running work, so it is
// safe to call from one of the pool's own workers. Workers still busy
// after the grace period are logged.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	go p.watchClose()
}

// Wait blocks until every worker has exited after Close.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return oops.Code("SESSION_POOL_BUSY").With("pool", p.name).Wrap(ctx.Err())
	}
}

func (p *Pool) watchClose() {
	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("pool workers still running after close",
			"pool", p.name,
			"grace", p.grace.String())
	}
}

func (p *Pool) worker() {
	defer p.exit()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(fn)
	}
}

func (p *Pool) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	if p.live == 0 {
		close(p.done)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool task panicked",
				"pool", p.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Spawner runs each dispatched function on its own goroutine. Close does
// not wait for running work.
type Spawner struct {
	mu     sync.RWMutex
	closed bool
}

// NewSpawner creates a Spawner.
func NewSpawner() *Spawner {
	return &Spawner{}
}

// Dispatch implements Dispatcher.
func (s *Spawner) Dispatch(fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return disposedErr("spawner")
	}
	go fn()
	return nil
}

// Close implements Dispatcher.
func (s *Spawner) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
