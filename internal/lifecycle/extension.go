// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/registry"
	"github.com/holomush/tickhost/internal/session"
)

// ErrNotAttached is returned when an extension launches work before it
// has been given a session.
var ErrNotAttached = errors.New("extension has no session")

// Extension is one instantiated extension of a plugin. Its state is only
// written by the orchestrator, and every write is announced on the bus.
type Extension struct {
	desc     Descriptor
	plugin   plugin.Plugin
	impl     any
	buildErr error
	caps     Capability
	bus      *flowbus.Bus

	mu    sync.RWMutex
	state State
	sess  *session.Session
	scope *session.Scope
	pool  *session.Pool
}

func newExtension(p plugin.Plugin, desc Descriptor, bus *flowbus.Bus) *Extension {
	e := &Extension{desc: desc, plugin: p, bus: bus}
	impl, err := desc.Factory(p)
	switch {
	case err != nil:
		e.buildErr = oops.Code("EXTENSION_CONSTRUCTION_FAILED").
			With("plugin", p.Name()).
			With("extension", desc.displayName()).
			Wrap(err)
	case impl == nil:
		e.buildErr = oops.Code("EXTENSION_CONSTRUCTION_FAILED").
			With("plugin", p.Name()).
			With("extension", desc.displayName()).
			Errorf("factory returned nil")
	default:
		e.impl = impl
		e.caps = capabilitiesOf(impl)
		if a, ok := impl.(Attacher); ok {
			a.Attach(e)
		}
	}
	return e
}

// Name is the display name.
func (e *Extension) Name() string { return e.desc.displayName() }

// Type is the extension type id.
func (e *Extension) Type() TypeID { return e.desc.Type }

// Dependencies returns the declared dependency types.
func (e *Extension) Dependencies() []TypeID {
	return append([]TypeID(nil), e.desc.Dependencies...)
}

// BindTarget is the registry key the implementation is bound under.
func (e *Extension) BindTarget() registry.Key { return e.desc.bindKey() }

// Plugin is the owning plugin.
func (e *Extension) Plugin() plugin.Plugin { return e.plugin }

// Impl is the implementation, nil if construction failed.
func (e *Extension) Impl() any { return e.impl }

// Capabilities reports the hooks the implementation supplies.
func (e *Extension) Capabilities() Capability { return e.caps }

// State returns the current state.
func (e *Extension) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Extension) String() string {
	return fmt.Sprintf("Extension(name=%s, state=%s)", e.Name(), e.State())
}

// Sync runs fn on the plugin's main-thread lane, cancelled when the
// extension unloads.
func (e *Extension) Sync(fn func(ctx context.Context) error) (*session.Job, error) {
	e.mu.RLock()
	sess, scope := e.sess, e.scope
	e.mu.RUnlock()

	if sess == nil {
		return nil, e.notAttached()
	}
	return sess.Launch(sess.Main(), scope, fn)
}

// Async runs fn on the extension's private pool, cancelled when the
// extension unloads.
func (e *Extension) Async(fn func(ctx context.Context) error) (*session.Job, error) {
	e.mu.RLock()
	sess, scope, pool := e.sess, e.scope, e.pool
	e.mu.RUnlock()

	if sess == nil {
		return nil, e.notAttached()
	}
	return sess.Launch(pool, scope, fn)
}

func (e *Extension) notAttached() error {
	return oops.Code("EXTENSION_NOT_ATTACHED").
		With("plugin", e.plugin.Name()).
		With("extension", e.Name()).
		Wrap(ErrNotAttached)
}

// transition writes the state and announces it as one step, so observers
// see transitions in the order they happened.
func (e *Extension) transition(to State) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	e.state = to
	if e.bus != nil {
		e.bus.Post(StateChanged{
			Plugin:    e.plugin.Name(),
			Extension: e,
			From:      from,
			To:        to,
			At:        time.Now(),
		})
	}
	return from
}

// attach gives the extension its own scope and pool under sess.
func (e *Extension) attach(sess *session.Session) error {
	e.mu.Lock()
	if e.sess == sess && e.scope != nil && e.scope.Active() {
		e.mu.Unlock()
		return nil
	}
	oldScope, oldPool := e.takeLocked()

	scope, err := sess.NewScope(e.Name())
	if err == nil {
		threads := e.desc.ThreadCount
		if threads == 0 {
			threads = 1
		}
		e.sess = sess
		e.scope = scope
		e.pool = session.NewPool(e.plugin.Name()+"/"+e.Name(), threads, e.plugin.Logger())
	}
	e.mu.Unlock()

	release(oldScope, oldPool)
	return err
}

// detach cancels the extension's work and closes its pool.
func (e *Extension) detach() {
	e.mu.Lock()
	scope, pool := e.takeLocked()
	e.mu.Unlock()

	release(scope, pool)
}

func (e *Extension) takeLocked() (*session.Scope, *session.Pool) {
	scope, pool := e.scope, e.pool
	e.sess, e.scope, e.pool = nil, nil, nil
	return scope, pool
}

// release cancels the scope and closes the pool without waiting for
// running jobs. It runs outside e.mu: pool workers may still be reading
// state.
func release(scope *session.Scope, pool *session.Pool) {
	if scope != nil {
		scope.Cancel()
	}
	if pool != nil {
		pool.Close()
	}
}

// hook returns the callback for phase, or nil when the implementation
// does not supply one.
func (e *Extension) hook(phase Phase) func(ctx context.Context) error {
	if e.impl == nil || !e.caps.Has(phase.capability()) {
		return nil
	}
	switch phase {
	case PhaseLoad:
		if h, ok := e.impl.(Loader); ok {
			return h.OnLoad
		}
	case PhaseEnable:
		if h, ok := e.impl.(Enabler); ok {
			return h.OnEnable
		}
	case PhaseUnload:
		if h, ok := e.impl.(Unloader); ok {
			return h.OnUnload
		}
	}
	return nil
}

func (e *Extension) dependsOn(t TypeID) bool {
	for _, d := range e.desc.Dependencies {
		if d == t {
			return true
		}
	}
	return false
}
