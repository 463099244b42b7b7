// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// Heartbeat redirects main-thread work while the main thread itself is
// blocked waiting on a plugin. A waiter pumps the queue and beats the host
// so the watchdog does not mistake the wait for a hang.
type Heartbeat struct {
	host   MainThread
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
	queue   []func()
	signal  chan struct{}
}

// NewHeartbeat creates a disabled heartbeat bound to host.
func NewHeartbeat(host MainThread, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		host:   host,
		logger: logger,
		signal: make(chan struct{}, 1),
	}
}

// Enable starts redirecting main-thread work to the pump queue.
func (h *Heartbeat) Enable() {
	h.mu.Lock()
	h.enabled = true
	h.mu.Unlock()
}

// Disable stops redirection and hands anything still queued to the host.
func (h *Heartbeat) Disable() {
	h.mu.Lock()
	h.enabled = false
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, fn := range queue {
		if err := h.host.Submit(fn); err != nil {
			h.logger.Error("heartbeat: main thread rejected queued work", "error", err)
		}
	}
}

// Enabled reports whether redirection is active.
func (h *Heartbeat) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// Pump runs queued work on the calling goroutine and returns how many
// functions ran.
func (h *Heartbeat) Pump() int {
	h.mu.Lock()
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, fn := range queue {
		h.run(fn)
	}
	return len(queue)
}

func (h *Heartbeat) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("heartbeat: pumped work panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Signal fires when work is queued.
func (h *Heartbeat) Signal() <-chan struct{} {
	return h.signal
}

// Beat forwards a liveness beat to the host.
func (h *Heartbeat) Beat() {
	h.host.Beat()
}

func (h *Heartbeat) offer(fn func()) bool {
	h.mu.Lock()
	if !h.enabled {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, fn)
	h.mu.Unlock()

	select {
	case h.signal <- struct{}{}:
	default:
	}
	return true
}
