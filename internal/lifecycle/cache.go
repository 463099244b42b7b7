// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"sync"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/registry"
	"github.com/holomush/tickhost/internal/session"
)

// PluginData is the runtime cache entry for one plugin activation.
type PluginData struct {
	mu        sync.RWMutex
	factories []Descriptor
	loaded    []*Extension
	unloaded  []*Extension
	failed    []*Extension
	configs   []registry.Key
	receiver  *flowbus.Receiver
	metricsID *int
	session   *session.Session
}

// Factories returns the descriptors not yet instantiated.
func (d *PluginData) Factories() []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Descriptor(nil), d.factories...)
}

// Loaded returns loaded extensions in load order.
func (d *PluginData) Loaded() []*Extension {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Extension(nil), d.loaded...)
}

// Unloaded returns torn-down extensions in unload order.
func (d *PluginData) Unloaded() []*Extension {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Extension(nil), d.unloaded...)
}

// Failed returns extensions that reached a failure state this run.
func (d *PluginData) Failed() []*Extension {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Extension(nil), d.failed...)
}

// Extension finds a loaded or failed extension by type.
func (d *PluginData) Extension(t TypeID) (*Extension, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, list := range [][]*Extension{d.loaded, d.failed, d.unloaded} {
		for _, e := range list {
			if e.Type() == t {
				return e, true
			}
		}
	}
	return nil, false
}

// Configs returns the registry keys of the plugin's mapped configs.
func (d *PluginData) Configs() []registry.Key {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]registry.Key(nil), d.configs...)
}

func (d *PluginData) addFactories(descs []Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories = append(d.factories, descs...)
}

func (d *PluginData) takeFactories() []Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	descs := d.factories
	d.factories = nil
	return descs
}

func (d *PluginData) addConfig(key registry.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, key)
}

func (d *PluginData) markLoaded(e *Extension) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if indexOf(d.loaded, e) < 0 {
		d.loaded = append(d.loaded, e)
	}
}

func (d *PluginData) markFailed(e *Extension) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = without(d.loaded, e)
	if indexOf(d.failed, e) < 0 {
		d.failed = append(d.failed, e)
	}
}

func (d *PluginData) markUnloaded(e *Extension) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = without(d.loaded, e)
	d.unloaded = append(d.unloaded, e)
}

func (d *PluginData) currentSession() *session.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func without(list []*Extension, target *Extension) []*Extension {
	out := list[:0:0]
	for _, e := range list {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}
