// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/tickhost/internal/observability"
	"github.com/holomush/tickhost/pkg/errutil"
)

func startServer(t *testing.T, reg *prometheus.Registry, opts ...observability.ServerOption) *observability.Server {
	t.Helper()
	if reg == nil {
		reg = observability.NewRegistry()
	}
	srv := observability.NewServer("127.0.0.1:0", reg, opts...)
	_, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return srv
}

func get(t *testing.T, srv *observability.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + srv.Addr() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_MetricsIncludesRegisteredCollectors(t *testing.T) {
	reg := observability.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tickhost_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := startServer(t, reg)
	status, body := get(t, srv, observability.MetricsPath)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "process_")
	assert.Contains(t, body, "tickhost_test_total 1")
}

func TestServer_Liveness(t *testing.T) {
	srv := startServer(t, nil)
	status, body := get(t, srv, observability.LivenessPath)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
}

func TestServer_Readiness(t *testing.T) {
	var ready atomic.Bool
	srv := startServer(t, nil, observability.WithReadiness(ready.Load))

	status, body := get(t, srv, observability.ReadinessPath)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not ready\n", body)

	ready.Store(true)
	status, _ = get(t, srv, observability.ReadinessPath)
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_ReadinessWithoutCheck(t *testing.T) {
	srv := startServer(t, nil)
	status, _ := get(t, srv, observability.ReadinessPath)
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_Plugins(t *testing.T) {
	srv := startServer(t, nil, observability.WithPlugins(func() []string {
		return []string{"greeter", "ticker"}
	}))

	status, body := get(t, srv, observability.PluginsPath)
	require.Equal(t, http.StatusOK, status)

	var payload struct {
		Plugins []string `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, []string{"greeter", "ticker"}, payload.Plugins)
}

func TestServer_PluginsEmpty(t *testing.T) {
	srv := startServer(t, nil)
	_, body := get(t, srv, observability.PluginsPath)
	assert.JSONEq(t, `{"plugins":[]}`, body)
}

func TestServer_DoubleStartFails(t *testing.T) {
	srv := startServer(t, nil)
	_, err := srv.Start()
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_RUNNING")
}

func TestServer_ListenFailure(t *testing.T) {
	srv := observability.NewServer("256.0.0.1:0", observability.NewRegistry())
	_, err := srv.Start()
	errutil.AssertErrorCode(t, err, "OBSERVABILITY_LISTEN_FAILED")
	assert.Empty(t, srv.Addr())
}

func TestServer_StopIsIdempotentAndClosesErrors(t *testing.T) {
	srv := observability.NewServer("127.0.0.1:0", observability.NewRegistry())
	errCh, err := srv.Start()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	select {
	case err, ok := <-errCh:
		assert.False(t, ok, "unexpected serve error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("error channel not closed after stop")
	}
}

func TestCheckReady(t *testing.T) {
	var ready atomic.Bool
	srv := startServer(t, nil, observability.WithReadiness(ready.Load))
	ctx := context.Background()

	err := observability.CheckReady(ctx, http.DefaultClient, srv.Addr())
	errutil.AssertErrorCode(t, err, "PROBE_NOT_READY")
	errutil.AssertErrorContext(t, err, "status", http.StatusServiceUnavailable)

	ready.Store(true)
	require.NoError(t, observability.CheckReady(ctx, http.DefaultClient, srv.Addr()))
}
