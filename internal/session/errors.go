// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/samber/oops"
)

// Sentinel errors for programmatic error checking.
var (
	// ErrTimeout is returned when bounded work does not finish in time. It is
	// distinct from any error the work itself returns.
	ErrTimeout = errors.New("work timed out")
	// ErrDisposed is returned when using a session or dispatcher after disposal.
	ErrDisposed = errors.New("session disposed")
	// ErrPluginDisabled is returned when creating a session for a disabled plugin.
	ErrPluginDisabled = errors.New("plugin is disabled")
	// ErrScopeCancelled is returned when launching into a cancelled scope.
	ErrScopeCancelled = errors.New("scope cancelled")
)

// runGuarded calls fn, converting a panic into an error.
func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("SESSION_PANIC").
				With("stack", string(debug.Stack())).
				Errorf("work panicked: %s", fmt.Sprint(r))
		}
	}()
	return fn(ctx)
}

func disposedErr(name string) error {
	return oops.Code("SESSION_DISPOSED").With("session", name).Wrap(ErrDisposed)
}
