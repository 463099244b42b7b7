// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability serves Prometheus metrics, health probes and the
// list of started plugins over HTTP.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// Probe paths.
const (
	LivenessPath  = "/healthz/liveness"
	ReadinessPath = "/healthz/readiness"
	PluginsPath   = "/plugins"
	MetricsPath   = "/metrics"
)

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Server exposes the observability endpoints.
type Server struct {
	addr    string
	reg     *prometheus.Registry
	ready   func() bool
	plugins func() []string
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadiness sets the readiness check. Without one the server is
// always ready.
func WithReadiness(fn func() bool) ServerOption {
	return func(s *Server) { s.ready = fn }
}

// WithPlugins sets the source of the started plugin list.
func WithPlugins(fn func() []string) ServerOption {
	return func(s *Server) { s.plugins = fn }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for addr ("host:port", port 0 picks one).
func NewServer(addr string, reg *prometheus.Registry, opts ...ServerOption) *Server {
	s := &Server{addr: addr, reg: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and serves in the background. The returned channel
// yields a serve failure, and is closed once the server stops.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil, oops.Code("OBSERVABILITY_RUNNING").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.Code("OBSERVABILITY_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc(LivenessPath, func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc(ReadinessPath, s.handleReadiness)
	mux.HandleFunc(PluginsPath, s.handlePlugins)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.listener, s.srv = listener, srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server failed", "error", err)
			errCh <- err
		}
	}()

	s.logger.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return oops.Code("OBSERVABILITY_SHUTDOWN_FAILED").Wrap(err)
	}
	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || s.ready() {
		writeText(w, http.StatusOK, "ok")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "not ready")
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	if s.plugins != nil {
		names = append(names, s.plugins()...)
	}
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // client may disconnect
	json.NewEncoder(w).Encode(map[string]any{"plugins": names})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // client may disconnect
	fmt.Fprintln(w, body)
}

// CheckReady queries the readiness probe of the server at addr.
func CheckReady(ctx context.Context, client *http.Client, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+ReadinessPath, nil)
	if err != nil {
		return oops.Code("PROBE_FAILED").With("addr", addr).Wrap(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return oops.Code("PROBE_FAILED").With("addr", addr).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if resp.StatusCode != http.StatusOK {
		return oops.Code("PROBE_NOT_READY").With("addr", addr).With("status", resp.StatusCode).
			Errorf("readiness returned %d", resp.StatusCode)
	}
	return nil
}
