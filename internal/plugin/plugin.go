// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the host plugin contract the lifecycle
// orchestrator drives, plus manifest handling for plugins whose
// extensions are declared in plugin.yaml.
package plugin

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/holomush/tickhost/internal/flowbus"
)

// Plugin is a host-managed unit that owns a set of extensions.
// The host decides when a plugin is enabled; the orchestrator only reads it.
type Plugin interface {
	Name() string
	Enabled() bool
	Logger() *slog.Logger
}

// Optional lifecycle hooks. The orchestrator calls a hook only when the
// plugin implements the matching interface.
type (
	// Loader runs while the host loads the plugin, before extensions load.
	Loader interface {
		OnLoad(ctx context.Context) error
	}

	// Enabler runs once the plugin may register listeners, before extensions enable.
	Enabler interface {
		OnEnable(ctx context.Context) error
	}

	// AfterLoader runs after every extension has been enabled.
	AfterLoader interface {
		OnAfterLoad(ctx context.Context) error
	}

	// Disabler runs after every extension has been unloaded.
	Disabler interface {
		OnDisable(ctx context.Context) error
	}
)

// MetricsIdentified is implemented by plugins that report external metrics.
type MetricsIdentified interface {
	MetricsID() int
}

// Binder overrides the registry key a plugin is bound under.
type Binder interface {
	BindTo() string
}

// Namespaced scopes discovery to types registered under a namespace other
// than the plugin name.
type Namespaced interface {
	Namespace() string
}

// Listener subscribes itself on the plugin's bus receiver at start.
type Listener interface {
	Register(r *flowbus.Receiver) error
}

// ListenerProvider is implemented by plugins that declare bus listeners.
type ListenerProvider interface {
	Listeners() []Listener
}

// Base is an embeddable Plugin implementation with a host-controlled
// enabled flag.
type Base struct {
	name    string
	logger  *slog.Logger
	enabled atomic.Bool
}

// NewBase creates a disabled plugin named name. A nil logger uses slog.Default.
func NewBase(name string, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:   name,
		logger: logger.With("plugin", name),
	}
}

// Name returns the plugin's identity.
func (b *Base) Name() string { return b.name }

// Enabled reports whether the host has enabled the plugin.
func (b *Base) Enabled() bool { return b.enabled.Load() }

// SetEnabled is called by the host around start and unload.
func (b *Base) SetEnabled(enabled bool) { b.enabled.Store(enabled) }

// Logger returns the plugin-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }
