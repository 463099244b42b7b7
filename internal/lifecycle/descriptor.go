// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/registry"
)

// TypeID identifies an extension type. Dependencies name types, never
// instances.
type TypeID string

// Factory constructs an extension implementation for its plugin.
type Factory func(p plugin.Plugin) (any, error)

// Descriptor describes one discovered extension type.
type Descriptor struct {
	Type         TypeID
	Name         string
	Dependencies []TypeID
	// BindTo is the registry key. Defaults to the type id.
	BindTo registry.Key
	// ThreadCount sizes the extension's private async pool. Defaults to 1.
	ThreadCount int
	Factory     Factory
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.Type == "" {
		return oops.Code("EXTENSION_INVALID").Errorf("extension type is required")
	}
	if d.Factory == nil {
		return oops.Code("EXTENSION_INVALID").With("extension", string(d.Type)).Errorf("extension factory is required")
	}
	if d.ThreadCount < 0 {
		return oops.Code("EXTENSION_INVALID").
			With("extension", string(d.Type)).
			With("threads", d.ThreadCount).
			Errorf("thread count cannot be negative")
	}
	return nil
}

func (d Descriptor) displayName() string {
	if d.Name != "" {
		return d.Name
	}
	return string(d.Type)
}

func (d Descriptor) bindKey() registry.Key {
	if d.BindTo != "" {
		return d.BindTo
	}
	return registry.Key(d.Type)
}

// ConfigDescriptor describes a mapped configuration object that is loaded
// eagerly with its plugin.
type ConfigDescriptor struct {
	Name string
	Load func() (any, error)
}

// Discovery finds the extension and configuration types a plugin owns.
type Discovery interface {
	Extensions(p plugin.Plugin) ([]Descriptor, error)
	Configs(p plugin.Plugin) ([]ConfigDescriptor, error)
}

// ConfigKey is the registry key of a plugin's mapped configuration.
func ConfigKey(pluginName, name string) registry.Key {
	return registry.Key("config:" + pluginName + "/" + name)
}

// PluginKey is the registry key a plugin is bound under.
func PluginKey(p plugin.Plugin) registry.Key {
	if b, ok := p.(plugin.Binder); ok && b.BindTo() != "" {
		return registry.Key(b.BindTo())
	}
	return registry.Key("plugin:" + p.Name())
}
