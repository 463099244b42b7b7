// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/tickhost/internal/discovery"
	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/plugin"
	"github.com/holomush/tickhost/internal/tick"
)

// corePlugin is the host's built-in plugin.
const corePlugin = "core"

// clockPeriod is the number of ticks between ClockTick events.
const clockPeriod = 20

// ClockTick is posted by the core clock every clockPeriod ticks.
type ClockTick struct {
	Tick uint64
	At   time.Time
}

// clock is the core.clock extension. While enabled it posts ClockTick on
// the bus from a scheduled main-thread task.
type clock struct {
	loop *tick.Loop
	bus  *flowbus.Bus

	mu   sync.Mutex
	task ulid.ULID
}

func (c *clock) OnEnable(context.Context) error {
	id, err := c.loop.Schedule(corePlugin, 0, clockPeriod, func() {
		c.bus.Post(ClockTick{Tick: c.loop.Ticks(), At: time.Now()})
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.task = id
	c.mu.Unlock()
	return nil
}

func (c *clock) OnUnload(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop.CancelTask(c.task)
	return nil
}

// registerBuiltins adds the core plugin's extensions to catalog.
func registerBuiltins(catalog *discovery.Catalog, loop *tick.Loop, bus *flowbus.Bus) {
	catalog.Register(lifecycle.Descriptor{
		Type: corePlugin + ".clock",
		Factory: func(plugin.Plugin) (any, error) {
			return &clock{loop: loop, bus: bus}, nil
		},
	})
}
