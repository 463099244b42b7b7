// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
)

// beatInterval is how often a pumping waiter beats the host.
const beatInterval = 250 * time.Millisecond

// RunWithTimeout runs fn on d and waits at most timeout for it. When the
// bound is hit, fn's context is cancelled and an error wrapping ErrTimeout
// is returned at once, without waiting for fn to notice. A timeout of zero
// or less means no bound.
func RunWithTimeout(ctx context.Context, d Dispatcher, timeout time.Duration, fn func(ctx context.Context) error) error {
	return runWithTimeout(ctx, d, timeout, fn, nil)
}

func runWithTimeout(ctx context.Context, d Dispatcher, timeout time.Duration, fn func(ctx context.Context) error, hb *Heartbeat) error {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	result := make(chan error, 1)
	if err := d.Dispatch(func() { result <- runGuarded(runCtx, fn) }); err != nil {
		return err
	}

	var signal <-chan struct{}
	var beat <-chan time.Time
	if hb != nil {
		signal = hb.Signal()
		ticker := time.NewTicker(beatInterval)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case err := <-result:
			return classify(ctx, runCtx, timeout, err)
		case <-runCtx.Done():
			select {
			case err := <-result:
				return classify(ctx, runCtx, timeout, err)
			default:
			}
			return classify(ctx, runCtx, timeout, runCtx.Err())
		case <-signal:
			hb.Pump()
		case <-beat:
			hb.Beat()
		}
	}
}

func classify(ctx, runCtx context.Context, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		return oops.Code("SESSION_TIMEOUT").With("timeout", timeout.String()).Wrap(ErrTimeout)
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return oops.Code("SESSION_CANCELLED").Wrap(err)
	}
	return err
}
