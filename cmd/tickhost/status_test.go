// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/tickhost/internal/observability"
	"github.com/holomush/tickhost/pkg/errutil"
)

func startProbeServer(t *testing.T, ready func() bool) string {
	t.Helper()
	srv := observability.NewServer("127.0.0.1:0", observability.NewRegistry(),
		observability.WithReadiness(ready),
		observability.WithPlugins(func() []string { return []string{"core", "greeter"} }))
	_, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv.Addr()
}

func TestStatus_ReadyListsPlugins(t *testing.T) {
	addr := startProbeServer(t, func() bool { return true })

	var out bytes.Buffer
	err := runStatus(context.Background(), &out, &statusConfig{addr: addr, attempts: 1, interval: 10 * time.Millisecond, timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ready ("+addr+")")
	assert.Contains(t, out.String(), "  core\n  greeter\n")
}

func TestStatus_RetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	addr := startProbeServer(t, func() bool { return calls.Add(1) >= 3 })

	var out bytes.Buffer
	err := runStatus(context.Background(), &out, &statusConfig{addr: addr, attempts: 5, interval: 10 * time.Millisecond, timeout: time.Second})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestStatus_GivesUp(t *testing.T) {
	addr := startProbeServer(t, func() bool { return false })

	err := runStatus(context.Background(), new(bytes.Buffer), &statusConfig{addr: addr, attempts: 2, interval: 10 * time.Millisecond, timeout: time.Second})
	errutil.AssertErrorCode(t, err, "PROBE_NOT_READY")
	errutil.AssertErrorContext(t, err, "addr", addr)
}
