// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package discovery

import (
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
)

// Multi chains discovery sources. Results are concatenated in source
// order; the first failing source aborts discovery.
type Multi []lifecycle.Discovery

// Extensions implements lifecycle.Discovery.
func (m Multi) Extensions(p plugin.Plugin) ([]lifecycle.Descriptor, error) {
	var out []lifecycle.Descriptor
	for i, src := range m {
		descs, err := src.Extensions(p)
		if err != nil {
			return nil, oops.Code("DISCOVERY_SOURCE_FAILED").With("plugin", p.Name()).With("source", i).Wrap(err)
		}
		out = append(out, descs...)
	}
	return out, nil
}

// Configs implements lifecycle.Discovery.
func (m Multi) Configs(p plugin.Plugin) ([]lifecycle.ConfigDescriptor, error) {
	var out []lifecycle.ConfigDescriptor
	for i, src := range m {
		cfgs, err := src.Configs(p)
		if err != nil {
			return nil, oops.Code("DISCOVERY_SOURCE_FAILED").With("plugin", p.Name()).With("source", i).Wrap(err)
		}
		out = append(out, cfgs...)
	}
	return out, nil
}
