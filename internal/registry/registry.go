// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry is the singleton dependency registry shared by plugins
// and their extensions. Instances are bound under a Key and resolved by it.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Key identifies a binding. Extensions bind under their bind target,
// plugins under "plugin:<name>" unless they override it.
type Key string

// Sentinel errors for programmatic error checking.
var (
	// ErrNotBound is returned when resolving a key with no binding.
	ErrNotBound = errors.New("no binding for key")
	// ErrTypeMismatch is returned when a binding does not satisfy the requested type.
	ErrTypeMismatch = errors.New("binding has unexpected type")
)

// KeyOf returns the key derived from T's fully-qualified type name.
func KeyOf[T any]() Key {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.PkgPath() == "" {
		return Key(t.String())
	}
	return Key(t.PkgPath() + "." + t.Name())
}

// Registry holds singleton bindings.
//
// Registry is safe for concurrent use. Register over an existing key
// replaces the binding, so unregister-then-register and plain rebinding
// are both supported mid-run.
type Registry struct {
	bindings map[Key]any
	mu       sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bindings: make(map[Key]any)}
}

// Register binds instance under key.
func (r *Registry) Register(instance any, key Key) error {
	if key == "" {
		return oops.Code("REGISTRY_EMPTY_KEY").Errorf("registry key cannot be empty")
	}
	if instance == nil {
		return oops.Code("REGISTRY_NIL_INSTANCE").With("key", string(key)).Errorf("cannot bind nil instance")
	}

	r.mu.Lock()
	_, replaced := r.bindings[key]
	r.bindings[key] = instance
	r.mu.Unlock()

	if replaced {
		slog.Debug("registry binding replaced", "key", string(key))
	}
	return nil
}

// Unregister removes the binding for key. It reports whether one existed.
func (r *Registry) Unregister(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[key]; !ok {
		return false
	}
	delete(r.bindings, key)
	return true
}

// Lookup returns the raw instance bound under key.
func (r *Registry) Lookup(key Key) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.bindings[key]
	return v, ok
}

// Bound reports whether key is bound to exactly instance.
func (r *Registry) Bound(key Key, instance any) bool {
	v, ok := r.Lookup(key)
	if !ok || instance == nil || !reflect.TypeOf(v).Comparable() {
		return false
	}
	return v == instance
}

// Keys returns all bound keys, sorted.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.bindings))
	for k := range r.bindings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Resolve returns the instance bound under key as T.
func Resolve[T any](r *Registry, key Key) (T, error) {
	var zero T
	v, ok := r.Lookup(key)
	if !ok {
		return zero, oops.Code("REGISTRY_NOT_BOUND").With("key", string(key)).Wrap(ErrNotBound)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, oops.Code("REGISTRY_TYPE_MISMATCH").
			With("key", string(key)).
			With("bound_type", fmt.Sprintf("%T", v)).
			Wrap(ErrTypeMismatch)
	}
	return typed, nil
}

// MustResolve is Resolve for wiring code where a missing binding is a bug.
func MustResolve[T any](r *Registry, key Key) T {
	v, err := Resolve[T](r, key)
	if err != nil {
		panic(err)
	}
	return v
}
