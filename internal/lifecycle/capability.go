// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"context"
	"strings"
)

// Extension hooks. An extension implementation opts into a hook by
// implementing its interface; anything else is never scheduled.
type (
	// Loader runs during the LOAD sequence.
	Loader interface {
		OnLoad(ctx context.Context) error
	}

	// Enabler runs during the ENABLE sequence.
	Enabler interface {
		OnEnable(ctx context.Context) error
	}

	// Unloader runs during the UNLOAD sequence.
	Unloader interface {
		OnUnload(ctx context.Context) error
	}
)

// CapabilityReporter lets an implementation whose hooks are decided at
// runtime (a script, say) report them explicitly. It overrides the
// interface checks.
type CapabilityReporter interface {
	Capabilities() Capability
}

// Attacher receives its Extension right after construction, giving the
// implementation access to its work lanes.
type Attacher interface {
	Attach(e *Extension)
}

// Capability records which hooks an implementation supplies.
type Capability uint8

// Hook capabilities.
const (
	HasLoad Capability = 1 << iota
	HasEnable
	HasUnload
)

// Has reports whether every bit of c is set.
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

func (c Capability) String() string {
	var parts []string
	if c.Has(HasLoad) {
		parts = append(parts, "load")
	}
	if c.Has(HasEnable) {
		parts = append(parts, "enable")
	}
	if c.Has(HasUnload) {
		parts = append(parts, "unload")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// capabilitiesOf is computed once, when the extension is registered.
func capabilitiesOf(impl any) Capability {
	if r, ok := impl.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	var c Capability
	if _, ok := impl.(Loader); ok {
		c |= HasLoad
	}
	if _, ok := impl.(Enabler); ok {
		c |= HasEnable
	}
	if _, ok := impl.(Unloader); ok {
		c |= HasUnload
	}
	return c
}

func (p Phase) capability() Capability {
	switch p {
	case PhaseLoad:
		return HasLoad
	case PhaseEnable:
		return HasEnable
	default:
		return HasUnload
	}
}
