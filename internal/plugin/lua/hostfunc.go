// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/ids"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin/capability"
)

// ScriptEvent is posted on the bus by tickhost.post.
type ScriptEvent struct {
	Plugin    string
	Extension string
	Topic     string
	Data      map[string]any
}

// Functions exposes the tickhost module to scripts. Functions touching
// shared resources require a capability grant.
type Functions struct {
	bus      *flowbus.Bus
	enforcer *capability.Enforcer
}

// NewFunctions creates host functions posting to bus and checking grants
// in enforcer.
func NewFunctions(bus *flowbus.Bus, enforcer *capability.Enforcer) *Functions {
	return &Functions{bus: bus, enforcer: enforcer}
}

// Enforcer returns the grant store.
func (f *Functions) Enforcer() *capability.Enforcer { return f.enforcer }

func (f *Functions) register(L *lua.LState, x *Extension) {
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(f.wrap(x, capability.Log, f.logFn(x))))
	L.SetField(mod, "post", L.NewFunction(f.wrap(x, capability.Post, f.postFn(x))))
	L.SetField(mod, "sleep", L.NewFunction(f.wrap(x, capability.Sleep, sleepFn)))
	L.SetField(mod, "new_id", L.NewFunction(newIDFn))
	L.SetField(mod, "self", L.NewFunction(selfFn(x)))

	L.SetGlobal("tickhost", mod)
}

func (f *Functions) wrap(x *Extension, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if !f.enforcer.Check(x.plugin.Name(), capName) {
			L.RaiseError("capability denied: %s requires %s", x.plugin.Name(), capName)
			return 0
		}
		return fn(L)
	}
}

func (f *Functions) logFn(x *Extension) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := x.logger
		switch level {
		case "debug":
			logger.Debug(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

func (f *Functions) postFn(x *Extension) lua.LGFunction {
	return func(L *lua.LState) int {
		topic := L.CheckString(1)
		ev := ScriptEvent{Plugin: x.plugin.Name(), Extension: x.typeID, Topic: topic}
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			if m, ok := toGo(tbl).(map[string]any); ok {
				ev.Data = m
			}
		}
		f.bus.Post(ev)
		return 0
	}
}

// sleepFn blocks for ms milliseconds or until the hook's context is done,
// in which case the script is aborted.
func sleepFn(L *lua.LState) int {
	ms := L.CheckInt(1)
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	ctx := L.Context()
	if ctx == nil {
		<-timer.C
		return 0
	}
	select {
	case <-timer.C:
	case <-ctx.Done():
		L.RaiseError("sleep interrupted: %v", ctx.Err())
	}
	return 0
}

func newIDFn(L *lua.LState) int {
	L.Push(lua.LString(ids.New().String()))
	return 1
}

func selfFn(x *Extension) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.NewTable()
		L.SetField(t, "plugin", lua.LString(x.plugin.Name()))
		L.SetField(t, "type", lua.LString(x.typeID))
		if e := x.lifecycle(); e != nil {
			L.SetField(t, "state", lua.LString(e.State().String()))
		}
		L.Push(t)
		return 1
	}
}

// toGo converts a Lua value to plain Go data. Tables with a non-empty
// array part become slices; other tables become string-keyed maps.
func toGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			out[k.String()] = toGo(v)
		})
		return out
	default:
		return nil
	}
}

// RevokeOnUnload drops a plugin's grants once the plugin is unloaded.
func (f *Functions) RevokeOnUnload(r *flowbus.Receiver) error {
	return flowbus.Subscribe(r, flowbus.Options{SkipRetained: true}, func(_ context.Context, ev lifecycle.PluginUnloaded) {
		f.enforcer.RemoveGrants(ev.Plugin)
	})
}
