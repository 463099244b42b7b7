// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/tickhost/internal/config"
	"github.com/holomush/tickhost/internal/discovery"
	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/logging"
	"github.com/holomush/tickhost/internal/observability"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/plugin/capability"
	"github.com/holomush/tickhost/internal/plugin/lua"
	"github.com/holomush/tickhost/internal/registry"
	"github.com/holomush/tickhost/internal/session"
	"github.com/holomush/tickhost/internal/store"
	"github.com/holomush/tickhost/internal/tick"
	"github.com/holomush/tickhost/pkg/errutil"
)

// Shutdown and startup bounds.
const (
	shutdownTimeout  = 30 * time.Second
	journalAttempts  = 5
	observabilityMax = 5 * time.Second
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin host",
		Long: `Run the main loop, load and start every plugin found in the plugins
directory, and unload them in reverse order on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigFile(), cmd.Flags())
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger := logging.SetDefault("tickhost", version, cfg.LogFormat, logging.WithLevel(level))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h := newHost(cfg, logger)
			defer h.bus.Close()
			return h.run(ctx)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// host wires the main loop, the lifecycle service and its collaborators.
type host struct {
	cfg    config.Config
	logger *slog.Logger

	loop     *tick.Loop
	bus      *flowbus.Bus
	registry *registry.Registry
	catalog  *discovery.Catalog
	funcs    *lua.Functions
	manager  *plugin.Manager
	promReg  *prometheus.Registry
	svc      *lifecycle.Service
	core     *plugin.Base

	ready   atomic.Bool
	started []plugin.Plugin
}

func newHost(cfg config.Config, logger *slog.Logger) *host {
	h := &host{
		cfg:      cfg,
		logger:   logger,
		loop:     tick.New(tick.WithRate(cfg.TickRate), tick.WithStallThreshold(cfg.StallThreshold), tick.WithLogger(logger)),
		bus:      flowbus.New(flowbus.WithLogger(logger)),
		registry: registry.New(),
		catalog:  discovery.NewCatalog(discovery.WithLogger(logger)),
		manager:  plugin.NewManager(cfg.PluginsDir, plugin.WithManagerLogger(logger)),
		promReg:  observability.NewRegistry(),
		core:     plugin.NewBase(corePlugin, logger),
	}
	h.funcs = lua.NewFunctions(h.bus, capability.NewEnforcer())
	registerBuiltins(h.catalog, h.loop, h.bus)

	h.svc = lifecycle.New(h.registry, h.bus,
		discovery.Multi{h.catalog, lua.NewDiscovery(h.funcs)},
		h.loop,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(lifecycle.NewMetrics(h.promReg)),
		lifecycle.WithSessionOptions(session.WithAsyncWorkers(cfg.AsyncWorkers)),
	)
	return h
}

// run blocks until ctx is done, then unloads every plugin and stops the
// loop. The bus stays open for the caller to close.
func (h *host) run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- h.loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	recv := flowbus.NewReceiver(h.bus)
	defer recv.Close()
	if err := h.funcs.RevokeOnUnload(recv); err != nil {
		return err
	}

	if h.cfg.MetricsAddr != "" {
		srv := observability.NewServer(h.cfg.MetricsAddr, h.promReg,
			observability.WithReadiness(h.ready.Load),
			observability.WithPlugins(h.svc.Loaded),
			observability.WithServerLogger(h.logger))
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), observabilityMax)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil {
				errutil.LogError(h.logger, "observability shutdown failed", err)
			}
		}()
	}

	if h.cfg.Journal {
		journal, err := store.Connect(ctx, h.cfg.DatabaseURL, journalAttempts)
		if err != nil {
			return err
		}
		defer journal.Close()

		sub, err := store.NewSubscriber(journal, h.bus, h.logger)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	if err := h.startAll(ctx); err != nil {
		h.unloadAll()
		return err
	}
	h.ready.Store(true)
	h.logger.Info("host ready", "plugins", h.svc.Loaded())

	<-ctx.Done()
	h.ready.Store(false)
	h.logger.Info("shutting down")
	h.unloadAll()
	return nil
}

// startAll loads and starts the core plugin, then every discovered
// manifest plugin. A plugin that fails to load or start is logged and
// skipped.
func (h *host) startAll(ctx context.Context) error {
	discovered, err := h.manager.Discover(ctx)
	if err != nil {
		return oops.Code("HOST_DISCOVERY_FAILED").Wrap(err)
	}

	plugins := []plugin.Plugin{h.core}
	for _, p := range discovered {
		if p.Name() == corePlugin {
			h.logger.Warn("skipping plugin with reserved name", "plugin", p.Name(), "dir", p.Dir)
			continue
		}
		plugins = append(plugins, p)
	}

	for _, p := range plugins {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := h.start(ctx, p); err != nil {
			errutil.LogError(h.logger, "plugin start failed", err, "plugin", p.Name())
		}
	}
	return nil
}

func (h *host) start(ctx context.Context, p plugin.Plugin) error {
	if err := h.svc.LoadPlugin(ctx, p); err != nil {
		return err
	}
	h.started = append(h.started, p)

	setEnabled(p, true)
	return h.loop.Call(ctx, func() error {
		return h.svc.StartPlugin(ctx, p)
	})
}

// unloadAll unloads started plugins in reverse start order.
func (h *host) unloadAll() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, p := range slices.Backward(h.started) {
		if err := h.svc.UnloadPlugin(ctx, p); err != nil {
			errutil.LogError(h.logger, "plugin unload failed", err, "plugin", p.Name())
		}
		setEnabled(p, false)
	}
	h.started = nil
}

func setEnabled(p plugin.Plugin, enabled bool) {
	if s, ok := p.(interface{ SetEnabled(bool) }); ok {
		s.SetEnabled(enabled)
	}
}
