// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"os"

	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/config"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/registry"
)

// Discovery turns the extensions and configs declared in plugin.yaml into
// lifecycle descriptors. Plugins without a manifest have nothing to
// discover here.
type Discovery struct {
	factory *StateFactory
	funcs   *Functions
}

var _ lifecycle.Discovery = (*Discovery)(nil)

// NewDiscovery creates a manifest discovery source.
func NewDiscovery(funcs *Functions) *Discovery {
	return &Discovery{factory: NewStateFactory(), funcs: funcs}
}

// Extensions implements lifecycle.Discovery. It also installs the
// plugin's capability grants, replacing those of any earlier load.
func (d *Discovery) Extensions(p plugin.Plugin) ([]lifecycle.Descriptor, error) {
	mp, ok := p.(*plugin.ManifestPlugin)
	if !ok {
		return nil, nil
	}
	m := mp.Manifest

	if err := d.funcs.Enforcer().SetGrants(m.Name, m.Capabilities); err != nil {
		return nil, err
	}

	descs := make([]lifecycle.Descriptor, 0, len(m.Extensions))
	for _, spec := range m.Extensions {
		deps := make([]lifecycle.TypeID, 0, len(spec.Depends))
		for _, dep := range spec.Depends {
			deps = append(deps, lifecycle.TypeID(m.TypeID(dep)))
		}
		descs = append(descs, lifecycle.Descriptor{
			Type:         lifecycle.TypeID(m.TypeID(spec.Name)),
			Dependencies: deps,
			BindTo:       registry.Key(spec.Bind),
			ThreadCount:  spec.Threads,
			Factory:      d.scriptFactory(mp, spec),
		})
	}
	return descs, nil
}

func (d *Discovery) scriptFactory(mp *plugin.ManifestPlugin, spec plugin.ExtensionSpec) lifecycle.Factory {
	return func(plugin.Plugin) (any, error) {
		path, err := mp.Path(spec.Script)
		if err != nil {
			return nil, err
		}
		code, err := os.ReadFile(path) //nolint:gosec // path is confined to the plugin directory
		if err != nil {
			return nil, oops.Code("LUA_SCRIPT_UNREADABLE").With("plugin", mp.Name()).With("path", path).Wrap(err)
		}
		return NewExtension(d.factory, d.funcs, mp, mp.Manifest.TypeID(spec.Name), string(code))
	}
}

// Configs implements lifecycle.Discovery. Each mapped config is read with
// koanf when the plugin loads.
func (d *Discovery) Configs(p plugin.Plugin) ([]lifecycle.ConfigDescriptor, error) {
	mp, ok := p.(*plugin.ManifestPlugin)
	if !ok {
		return nil, nil
	}

	out := make([]lifecycle.ConfigDescriptor, 0, len(mp.Manifest.Configs))
	for _, c := range mp.Manifest.Configs {
		out = append(out, lifecycle.ConfigDescriptor{
			Name: c.Name,
			Load: func() (any, error) {
				path, err := mp.Path(c.File)
				if err != nil {
					return nil, err
				}
				return config.LoadMapped(path)
			},
		})
	}
	return out, nil
}
