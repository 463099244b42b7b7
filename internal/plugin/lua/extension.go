// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
)

var hookGlobals = map[lifecycle.Phase]string{
	lifecycle.PhaseLoad:   "on_load",
	lifecycle.PhaseEnable: "on_enable",
	lifecycle.PhaseUnload: "on_unload",
}

// Extension is a Lua-scripted extension. Its state is not safe for
// concurrent use, so hooks are serialized on mu.
type Extension struct {
	plugin plugin.Plugin
	typeID string
	logger *slog.Logger

	mu     sync.Mutex
	state  *lua.LState
	caps   lifecycle.Capability
	closed bool
	ext    *lifecycle.Extension
}

var (
	_ lifecycle.Loader             = (*Extension)(nil)
	_ lifecycle.Enabler            = (*Extension)(nil)
	_ lifecycle.Unloader           = (*Extension)(nil)
	_ lifecycle.CapabilityReporter = (*Extension)(nil)
	_ lifecycle.Attacher           = (*Extension)(nil)
)

// NewExtension runs code's top level in a fresh sandbox and records which
// hooks it defines.
func NewExtension(factory *StateFactory, funcs *Functions, p plugin.Plugin, typeID, code string) (*Extension, error) {
	L, err := factory.NewState(context.Background())
	if err != nil {
		return nil, err
	}

	x := &Extension{
		plugin: p,
		typeID: typeID,
		logger: p.Logger().With("extension", typeID),
		state:  L,
	}
	funcs.register(L, x)

	if err := L.DoString(code); err != nil {
		L.Close()
		return nil, oops.Code("LUA_SCRIPT_FAILED").With("plugin", p.Name()).With("extension", typeID).Wrap(err)
	}

	for phase, global := range hookGlobals {
		if L.GetGlobal(global).Type() == lua.LTFunction {
			x.caps |= phaseCapability(phase)
		}
	}
	return x, nil
}

func phaseCapability(p lifecycle.Phase) lifecycle.Capability {
	switch p {
	case lifecycle.PhaseLoad:
		return lifecycle.HasLoad
	case lifecycle.PhaseEnable:
		return lifecycle.HasEnable
	default:
		return lifecycle.HasUnload
	}
}

// Capabilities reports the hooks the script defines.
func (x *Extension) Capabilities() lifecycle.Capability { return x.caps }

// Attach records the lifecycle entity wrapping x.
func (x *Extension) Attach(e *lifecycle.Extension) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ext = e
}

func (x *Extension) lifecycle() *lifecycle.Extension {
	// Called from host functions while a hook holds mu.
	return x.ext
}

// OnLoad calls the script's on_load.
func (x *Extension) OnLoad(ctx context.Context) error { return x.call(ctx, lifecycle.PhaseLoad) }

// OnEnable calls the script's on_enable.
func (x *Extension) OnEnable(ctx context.Context) error { return x.call(ctx, lifecycle.PhaseEnable) }

// OnUnload calls the script's on_unload and releases the state.
func (x *Extension) OnUnload(ctx context.Context) error {
	err := x.call(ctx, lifecycle.PhaseUnload)
	x.Close()
	return err
}

func (x *Extension) call(ctx context.Context, phase lifecycle.Phase) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	global := hookGlobals[phase]
	if x.closed {
		return oops.Code("LUA_STATE_CLOSED").With("extension", x.typeID).With("hook", global).Errorf("lua state is closed")
	}
	fn := x.state.GetGlobal(global)
	if fn.Type() != lua.LTFunction {
		return nil
	}

	x.state.SetContext(ctx)
	defer x.state.RemoveContext()

	if err := x.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return oops.Code("LUA_HOOK_FAILED").
			With("plugin", x.plugin.Name()).
			With("extension", x.typeID).
			With("hook", global).
			Wrap(err)
	}
	return nil
}

// Close releases the Lua state. It waits for a running hook to return.
func (x *Extension) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.closed {
		x.closed = true
		x.state.Close()
	}
	return nil
}
