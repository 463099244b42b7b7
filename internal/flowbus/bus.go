// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flowbus

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/oklog/ulid/v2"
)

// topic holds the retained event and live subscriptions for one event type.
type topic struct {
	retained    any
	hasRetained bool
	subs        map[ulid.ULID]*subscription
}

// Bus distributes events to subscribers of their exact runtime type.
type Bus struct {
	topics map[reflect.Type]*topic
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for callback failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[reflect.Type]*topic),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TypeOf returns the routing type for events of type T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Post retains event as the latest of its type and queues it for every
// current subscriber of that type. It never blocks on subscribers.
func (b *Bus) Post(event any) {
	if event == nil {
		b.logger.Warn("flowbus: ignoring nil event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	t := b.topicLocked(reflect.TypeOf(event))
	t.retained = event
	t.hasRetained = true
	for _, sub := range t.subs {
		sub.enqueue(event)
	}
}

// LastEvent returns the retained event of type t.
func (b *Bus) LastEvent(t reflect.Type) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp, ok := b.topics[t]
	if !ok || !tp.hasRetained {
		return nil, false
	}
	return tp.retained, true
}

// LastEvent returns the retained event of type T.
func LastEvent[T any](b *Bus) (T, bool) {
	var zero T
	v, ok := b.LastEvent(TypeOf[T]())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// DropEvent forgets the retained event of type t.
func (b *Bus) DropEvent(t reflect.Type) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tp, ok := b.topics[t]; ok {
		tp.retained = nil
		tp.hasRetained = false
	}
}

// DropEvent forgets the retained event of type T.
func DropEvent[T any](b *Bus) {
	b.DropEvent(TypeOf[T]())
}

// DropAll forgets every retained event.
func (b *Bus) DropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tp := range b.topics {
		tp.retained = nil
		tp.hasRetained = false
	}
}

// SubscriberCount returns the number of live subscriptions for t.
func (b *Bus) SubscriberCount(t reflect.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tp, ok := b.topics[t]; ok {
		return len(tp.subs)
	}
	return 0
}

// Close cancels every subscription. Later posts are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0)
	for _, tp := range b.topics {
		for _, sub := range tp.subs {
			subs = append(subs, sub)
		}
		tp.subs = make(map[ulid.ULID]*subscription)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) topicLocked(t reflect.Type) *topic {
	tp, ok := b.topics[t]
	if !ok {
		tp = &topic{subs: make(map[ulid.ULID]*subscription)}
		b.topics[t] = tp
	}
	return tp
}

// attach registers sub and, unless it skips retained events, queues the
// retained event ahead of anything posted later.
func (b *Bus) attach(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	tp := b.topicLocked(sub.eventType)
	if !sub.opts.SkipRetained && tp.hasRetained {
		sub.enqueue(tp.retained)
	}
	tp.subs[sub.id] = sub
	go sub.run()
	return true
}

func (b *Bus) detach(sub *subscription) {
	b.mu.Lock()
	if tp, ok := b.topics[sub.eventType]; ok {
		delete(tp.subs, sub.id)
	}
	b.mu.Unlock()
	sub.stop()
}
