// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/session"
	"github.com/holomush/tickhost/internal/tick"
	"github.com/holomush/tickhost/pkg/errutil"
)

func enabledPlugin(name string) *plugin.Base {
	p := plugin.NewBase(name, nil)
	p.SetEnabled(true)
	return p
}

// runningLoop starts a fast tick loop until stop is called.
func runningLoop() (loop *tick.Loop, stop func()) {
	loop = tick.New(tick.WithRate(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()
	return loop, func() {
		cancel()
		<-done
	}
}

func newSession(t *testing.T, host session.MainThread, opts ...session.Option) *session.Session {
	t.Helper()

	s, err := session.New(enabledPlugin("alpha"), host, opts...)
	require.NoError(t, err)
	return s
}

func TestNew_DisabledPluginFailsLoudly(t *testing.T) {
	p := plugin.NewBase("alpha", nil)

	s, err := session.New(p, tick.New())
	assert.Nil(t, s)
	errutil.AssertCodeAndCause(t, err, "SESSION_PLUGIN_DISABLED", session.ErrPluginDisabled)
	errutil.AssertErrorContext(t, err, "plugin", "alpha")
}

func TestSession_LaunchOnBothLanes(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop, stop := runningLoop()
	defer stop()
	s := newSession(t, loop)
	defer s.Dispose()

	var ran atomic.Int32
	work := func(context.Context) error {
		ran.Add(1)
		return nil
	}

	mainJob, err := s.Launch(s.Main(), nil, work)
	require.NoError(t, err)
	asyncJob, err := s.Launch(s.Async(), nil, work)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mainJob.Wait(ctx))
	require.NoError(t, asyncJob.Wait(ctx))
	assert.Equal(t, int32(2), ran.Load())
	assert.NotEqual(t, mainJob.ID(), asyncJob.ID())
}

func TestSession_DisposeCancelsWorkAndRejectsLaunch(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := session.New(enabledPlugin("alpha"), tick.New())
	require.NoError(t, err)

	started := make(chan struct{})
	job, err := s.Launch(s.Async(), nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	s.Dispose()
	assert.True(t, s.Disposed())
	assert.ErrorIs(t, job.Err(), context.Canceled)

	_, err = s.Launch(s.Async(), nil, func(context.Context) error { return nil })
	errutil.AssertCodeAndCause(t, err, "SESSION_DISPOSED", session.ErrDisposed)

	errutil.AssertCodeAndCause(t, s.Main().Dispatch(func() {}), "SESSION_DISPOSED", session.ErrDisposed)
	errutil.AssertCodeAndCause(t, s.Async().Dispatch(func() {}), "SESSION_DISPOSED", session.ErrDisposed)

	_, err = s.NewScope("ext")
	assert.ErrorIs(t, err, session.ErrDisposed)

	s.Dispose()
}

func TestSession_LaunchIntoCancelledScope(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newSession(t, tick.New())
	defer s.Dispose()

	scope, err := s.NewScope("ext")
	require.NoError(t, err)
	scope.Cancel()

	_, err = s.Launch(s.Async(), scope, func(context.Context) error { return nil })
	errutil.AssertCodeAndCause(t, err, "SESSION_SCOPE_CANCELLED", session.ErrScopeCancelled)
}

func TestScope_ChildCancellationIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newSession(t, tick.New())
	defer s.Dispose()

	a, err := s.NewScope("a")
	require.NoError(t, err)
	b, err := s.NewScope("b")
	require.NoError(t, err)

	a.Cancel()
	assert.False(t, a.Active())
	assert.True(t, b.Active(), "sibling scope survives")
	assert.True(t, s.Scope().Active(), "parent scope survives")

	s.Scope().Cancel()
	assert.False(t, b.Active(), "parent cancellation reaches children")
	assert.Equal(t, "alpha/b", b.Name())
}

func TestScope_FailingJobDoesNotCancelSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newSession(t, tick.New(), session.WithAsyncWorkers(2))
	defer s.Dispose()

	release := make(chan struct{})
	sibling, err := s.Launch(s.Async(), nil, func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, err)

	failing, err := s.Launch(s.Async(), nil, func(context.Context) error { panic("boom") })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = failing.Wait(ctx)
	errutil.AssertErrorCode(t, err, "SESSION_PANIC")

	close(release)
	require.NoError(t, sibling.Wait(ctx), "sibling was not cancelled by the failure")
}

func TestJob_CancelAndWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newSession(t, tick.New())
	defer s.Dispose()

	job, err := s.Launch(s.Async(), nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	waitCtx, cancelWait := context.WithCancel(context.Background())
	cancelWait()
	errutil.AssertErrorCode(t, job.Wait(waitCtx), "SESSION_WAIT_CANCELLED")

	job.Cancel()
	<-job.Done()
	assert.ErrorIs(t, job.Err(), context.Canceled)
	assert.Zero(t, s.Scope().Jobs())
}

func TestRunWithTimeout_ReturnsPromptly(t *testing.T) {
	defer goleak.VerifyNone(t)

	spawner := session.NewSpawner()
	defer spawner.Close()

	start := time.Now()
	err := session.RunWithTimeout(context.Background(), spawner, 50*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			time.Sleep(20 * time.Millisecond)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	errutil.AssertCodeAndCause(t, err, "SESSION_TIMEOUT", session.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	time.Sleep(50 * time.Millisecond)
}

func TestRunWithTimeout_FailureIsNotTimeout(t *testing.T) {
	spawner := session.NewSpawner()
	boom := errors.New("boom")

	err := session.RunWithTimeout(context.Background(), spawner, time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, session.ErrTimeout)

	err = session.RunWithTimeout(context.Background(), spawner, time.Second, func(context.Context) error { panic("kaboom") })
	errutil.AssertErrorCode(t, err, "SESSION_PANIC")
	assert.NotErrorIs(t, err, session.ErrTimeout)
}

func TestRunWithTimeout_NoBound(t *testing.T) {
	spawner := session.NewSpawner()

	err := session.RunWithTimeout(context.Background(), spawner, 0, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})
	require.NoError(t, err)
}

func TestRunWithTimeout_ParentCancelled(t *testing.T) {
	spawner := session.NewSpawner()
	ctx, cancel := context.WithCancel(context.Background())

	err := session.RunWithTimeout(ctx, spawner, time.Second, func(runCtx context.Context) error {
		cancel()
		<-runCtx.Done()
		return runCtx.Err()
	})
	errutil.AssertErrorCode(t, err, "SESSION_CANCELLED")
	assert.NotErrorIs(t, err, session.ErrTimeout)
}

func TestRunWithTimeout_ClosedDispatcher(t *testing.T) {
	spawner := session.NewSpawner()
	spawner.Close()

	err := session.RunWithTimeout(context.Background(), spawner, time.Second, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, session.ErrDisposed)
}

// TestSession_ManipulatedHeartbeatPumpsMainWork blocks a host that never
// ticks: main-lane work only runs because the waiter pumps it.
func TestSession_ManipulatedHeartbeatPumpsMainWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	stalled := tick.New()
	s := newSession(t, stalled)
	defer s.Dispose()
	spawner := session.NewSpawner()

	hook := func(ctx context.Context) error {
		job, err := s.Launch(s.Main(), nil, func(context.Context) error { return nil })
		if err != nil {
			return err
		}
		return job.Wait(ctx)
	}

	err := s.WithManipulatedHeartbeat(func() error {
		assert.True(t, s.Heartbeat().Enabled())
		return s.RunWithTimeout(context.Background(), spawner, time.Second, hook)
	})
	require.NoError(t, err)
	assert.False(t, s.Heartbeat().Enabled(), "disabled afterwards")

	err = s.RunWithTimeout(context.Background(), spawner, 50*time.Millisecond, hook)
	assert.ErrorIs(t, err, session.ErrTimeout, "without manipulation the stalled host never runs the work")
}

func TestSession_HeartbeatDisabledOnError(t *testing.T) {
	s := newSession(t, tick.New())
	defer s.Dispose()
	boom := errors.New("boom")

	err := s.WithManipulatedHeartbeat(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Heartbeat().Enabled())
}

func TestHeartbeat_DisableHandsQueuedWorkToHost(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop, stop := runningLoop()
	defer stop()
	s := newSession(t, loop)
	defer s.Dispose()

	var ran atomic.Bool
	s.Heartbeat().Enable()
	require.NoError(t, s.Main().Dispatch(func() { ran.Store(true) }))
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load(), "held while manipulation is on")

	s.Heartbeat().Disable()
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
}

func TestPool_RunsConcurrentlyAndDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := session.NewPool("test", 3, nil)

	var wg sync.WaitGroup
	var peak, current atomic.Int32
	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, pool.Dispatch(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			current.Add(-1)
		}))
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	var drained atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Dispatch(func() { drained.Add(1) }))
	}
	pool.Close()
	require.NoError(t, pool.Wait(context.Background()))
	assert.Equal(t, int32(10), drained.Load())
	assert.ErrorIs(t, pool.Dispatch(func() {}), session.ErrDisposed)
}

func TestPool_CloseDoesNotWaitForRunningWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	pool := session.NewPool("stuck", 1, logger)
	session.SetPoolGrace(pool, 50*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Dispatch(func() {
		close(started)
		<-release
	}))
	<-started

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on running work")
	}
	assert.ErrorIs(t, pool.Dispatch(func() {}), session.ErrDisposed)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	errutil.AssertErrorCode(t, pool.Wait(ctx), "SESSION_POOL_BUSY")

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "pool workers still running after close")
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, pool.Wait(context.Background()))
}

// syncBuffer is a bytes.Buffer safe for a logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
