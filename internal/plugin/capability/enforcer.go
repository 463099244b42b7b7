// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability gates the host functions scripted extensions may call.
//
// Grants are gobwas/glob patterns with '.' as the segment separator:
//   - '*' matches a single segment: "tickhost.*" matches "tickhost.log"
//   - '**' matches zero or more segments: "tickhost.**" matches "tickhost.bus.post"
package capability

import (
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Host function capabilities.
const (
	Log   = "tickhost.log"
	Post  = "tickhost.bus.post"
	Sleep = "tickhost.time.sleep"
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin capabilities at runtime. Unknown plugins are
// denied everything.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants replaces the grants of a plugin. Either every pattern compiles
// and the grants are replaced, or nothing changes.
func (e *Enforcer) SetGrants(plugin string, patterns []string) error {
	if plugin == "" {
		return oops.Code("CAPABILITY_INVALID").Errorf("plugin name cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return oops.Code("CAPABILITY_INVALID").With("plugin", plugin).With("index", i).Errorf("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code("CAPABILITY_INVALID").With("plugin", plugin).With("pattern", pattern).Wrap(err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// RemoveGrants forgets a plugin.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
}

// Grants returns a copy of the patterns granted to a plugin, nil when the
// plugin is unknown.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	out := make([]string, len(grants))
	for i, g := range grants {
		out[i] = g.pattern
	}
	return out
}

// Plugins returns the names of plugins with grants, sorted.
func (e *Enforcer) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.grants))
	for name := range e.grants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check reports whether plugin holds capability.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[plugin] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
