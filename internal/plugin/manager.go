// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// ManifestPlugin is a plugin described by a plugin.yaml file. Its
// extensions are declared in the manifest.
type ManifestPlugin struct {
	*Base
	Manifest *Manifest
	Dir      string
}

// NewManifestPlugin creates a disabled plugin for m rooted at dir.
func NewManifestPlugin(m *Manifest, dir string, logger *slog.Logger) *ManifestPlugin {
	return &ManifestPlugin{Base: NewBase(m.Name, logger), Manifest: m, Dir: dir}
}

// MetricsID returns the manifest's metrics-id, zero when unset.
func (p *ManifestPlugin) MetricsID() int { return p.Manifest.MetricsID }

// BindTo returns the manifest's bind-to override.
func (p *ManifestPlugin) BindTo() string { return p.Manifest.BindTo }

// Namespace returns the manifest's namespace pattern.
func (p *ManifestPlugin) Namespace() string { return p.Manifest.Namespace }

// Path resolves a manifest-relative path. Paths escaping the plugin
// directory are rejected.
func (p *ManifestPlugin) Path(rel string) (string, error) {
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return "", oops.Code("PLUGIN_PATH_ESCAPES").
			With("plugin", p.Name()).
			With("path", rel).
			Errorf("path must stay inside the plugin directory")
	}
	return filepath.Join(p.Dir, rel), nil
}

// Manager discovers manifest plugins in a directory.
type Manager struct {
	pluginsDir string
	logger     *slog.Logger
	plugins    map[string]*ManifestPlugin
	mu         sync.RWMutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger handed to discovered plugins.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		logger:     slog.Default(),
		plugins:    make(map[string]*ManifestPlugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Discover scans the plugins directory and returns the valid plugins
// sorted by name. Directories without a manifest, or with an invalid one,
// are logged and skipped. A missing plugins directory yields no plugins.
func (m *Manager) Discover(_ context.Context) ([]*ManifestPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, oops.Code("PLUGIN_DIR_UNREADABLE").With("dir", m.pluginsDir).Wrap(err)
	}

	found := make(map[string]*ManifestPlugin)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(pluginDir, ManifestFile)) //nolint:gosec // path is built from ReadDir entries
		if err != nil {
			m.logger.Warn("skipping plugin without manifest", "dir", entry.Name(), "error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			m.logger.Warn("skipping plugin with invalid manifest", "dir", entry.Name(), "error", err)
			continue
		}
		if prev, dup := found[manifest.Name]; dup {
			m.logger.Warn("skipping duplicate plugin name",
				"plugin", manifest.Name,
				"dir", entry.Name(),
				"kept", prev.Dir)
			continue
		}
		found[manifest.Name] = NewManifestPlugin(manifest, pluginDir, m.logger)
	}

	m.mu.Lock()
	m.plugins = found
	m.mu.Unlock()

	return m.Plugins(), nil
}

// Plugins returns the discovered plugins sorted by name.
func (m *Manager) Plugins() []*ManifestPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ManifestPlugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Get returns a discovered plugin by name.
func (m *Manager) Get(name string) (*ManifestPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// ListPlugins returns the names of discovered plugins, sorted.
func (m *Manager) ListPlugins() []string {
	plugins := m.Plugins()
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	return names
}
