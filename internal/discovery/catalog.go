// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package discovery finds the extension and configuration types a plugin
// owns.
//
// Ownership uses gobwas/glob with '.' as the segment separator. A plugin
// owns every type under its namespace: plugin "alpha" owns "alpha.greeter"
// and "alpha.chat.relay" but not "beta.greeter". Plugins implementing
// plugin.Namespaced supply their own pattern instead of their name.
package discovery

import (
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
)

// Catalog is an explicit list of extension and config descriptors that
// plugins claim by namespace.
//
// Catalog is safe for concurrent use.
type Catalog struct {
	logger     *slog.Logger
	mu         sync.RWMutex
	extensions []lifecycle.Descriptor
	configs    map[string][]lifecycle.ConfigDescriptor
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger used for discovery warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// NewCatalog creates an empty catalog.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		logger:  slog.Default(),
		configs: make(map[string][]lifecycle.ConfigDescriptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds extension descriptors. Validation is deferred to discovery
// so a bad descriptor only affects the plugin that claims it.
func (c *Catalog) Register(descs ...lifecycle.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extensions = append(c.extensions, descs...)
}

// RegisterConfig adds mapped configs for the named plugin.
func (c *Catalog) RegisterConfig(pluginName string, cfgs ...lifecycle.ConfigDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[pluginName] = append(c.configs[pluginName], cfgs...)
}

// Extensions returns the valid descriptors p owns, in registration order.
func (c *Catalog) Extensions(p plugin.Plugin) ([]lifecycle.Descriptor, error) {
	owns, err := Owner(p)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	all := append([]lifecycle.Descriptor(nil), c.extensions...)
	c.mu.RUnlock()

	var out []lifecycle.Descriptor
	for _, d := range all {
		if !owns.Match(string(d.Type)) {
			continue
		}
		if err := d.Validate(); err != nil {
			c.logger.Warn("ignoring descriptor that is not a valid extension",
				"plugin", p.Name(),
				"extension", string(d.Type),
				"error", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Configs returns the mapped configs registered for p.
func (c *Catalog) Configs(p plugin.Plugin) ([]lifecycle.ConfigDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]lifecycle.ConfigDescriptor(nil), c.configs[p.Name()]...), nil
}

// Owner compiles the ownership pattern for p.
func Owner(p plugin.Plugin) (glob.Glob, error) {
	pattern := glob.QuoteMeta(p.Name()) + ".**"
	if n, ok := p.(plugin.Namespaced); ok && n.Namespace() != "" {
		pattern = n.Namespace()
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, oops.Code("DISCOVERY_INVALID_NAMESPACE").
			With("plugin", p.Name()).
			With("pattern", pattern).
			Wrap(err)
	}
	return g, nil
}
