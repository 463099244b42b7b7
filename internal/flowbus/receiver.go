// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flowbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/tickhost/internal/ids"
)

// ErrAlreadySubscribed is returned when a receiver subscribes twice to one event type.
var ErrAlreadySubscribed = errors.New("already subscribed for event type")

// ErrBusClosed is returned when subscribing on a closed bus.
var ErrBusClosed = errors.New("bus is closed")

// Priority orders listeners of one event type. Not yet honored.
type Priority int

// Listener priorities, lowest first.
const (
	PriorityLowest Priority = iota - 2
	PriorityLow
	PriorityDefault
	PriorityHigh
	PriorityHighest
	PriorityMonitor
)

// Cancellable is implemented by events that can be cancelled by a listener.
type Cancellable interface {
	Cancelled() bool
}

// Options configure a subscription.
type Options struct {
	// Priority is accepted but not yet honored.
	Priority Priority
	// IgnoreCancelled is accepted but not yet honored.
	IgnoreCancelled bool
	// SkipRetained skips the event retained at subscribe time.
	SkipRetained bool
}

// Callback receives events. ctx is cancelled when the subscription ends.
type Callback func(ctx context.Context, event any)

type subscription struct {
	id        ulid.ULID
	eventType reflect.Type
	opts      Options
	callback  Callback
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	signal chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []any
	pending atomic.Int64
}

// flushPoll is how often Flush rechecks pending deliveries.
const flushPoll = 5 * time.Millisecond

func newSubscription(t reflect.Type, opts Options, cb Callback, logger *slog.Logger) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		id:        ids.New(),
		eventType: t,
		opts:      opts,
		callback:  cb,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *subscription) enqueue(event any) {
	s.pending.Add(1)
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	ev := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.signal:
		}
		for {
			if s.ctx.Err() != nil {
				return
			}
			ev, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(ev)
			s.pending.Add(-1)
		}
	}
}

func (s *subscription) deliver(event any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("flowbus callback panicked",
				"event_type", s.eventType.String(),
				"subscription", s.id.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	s.callback(s.ctx, event)
}

func (s *subscription) stop() {
	s.cancel()
}

// Receiver owns a set of subscriptions, at most one per event type.
type Receiver struct {
	bus  *Bus
	subs map[reflect.Type]*subscription
	mu   sync.Mutex
}

// NewReceiver creates a receiver on bus.
func NewReceiver(bus *Bus) *Receiver {
	return &Receiver{
		bus:  bus,
		subs: make(map[reflect.Type]*subscription),
	}
}

// SubscribeTo delivers events of exactly type t to cb, asynchronously
// relative to the poster.
func (r *Receiver) SubscribeTo(t reflect.Type, opts Options, cb Callback) error {
	if t == nil || cb == nil {
		return oops.Code("FLOWBUS_INVALID_SUBSCRIPTION").Errorf("event type and callback are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[t]; ok {
		return oops.Code("FLOWBUS_DUPLICATE_SUBSCRIPTION").
			With("event_type", t.String()).
			Wrap(ErrAlreadySubscribed)
	}

	sub := newSubscription(t, opts, cb, r.bus.logger)
	if !r.bus.attach(sub) {
		sub.stop()
		return oops.Code("FLOWBUS_CLOSED").With("event_type", t.String()).Wrap(ErrBusClosed)
	}
	r.subs[t] = sub
	return nil
}

// Subscribe is the typed form of SubscribeTo.
func Subscribe[T any](r *Receiver, opts Options, cb func(ctx context.Context, event T)) error {
	return r.SubscribeTo(TypeOf[T](), opts, func(ctx context.Context, event any) {
		if typed, ok := event.(T); ok {
			cb(ctx, typed)
		}
	})
}

// Subscribed reports whether the receiver has a subscription for t.
func (r *Receiver) Subscribed(t reflect.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[t]
	return ok
}

// Unsubscribe cancels the subscription for t, if any.
func (r *Receiver) Unsubscribe(t reflect.Type) bool {
	r.mu.Lock()
	sub, ok := r.subs[t]
	delete(r.subs, t)
	r.mu.Unlock()

	if ok {
		r.bus.detach(sub)
	}
	return ok
}

// Unsubscribe cancels the receiver's subscription for T.
func Unsubscribe[T any](r *Receiver) bool {
	return r.Unsubscribe(TypeOf[T]())
}

// UnsubscribeAll cancels every subscription held by the receiver.
func (r *Receiver) UnsubscribeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[reflect.Type]*subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		r.bus.detach(sub)
	}
}

// Flush waits until every event queued for the receiver so far has been
// delivered, or until ctx is done.
func (r *Receiver) Flush(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for {
		idle := true
		for _, sub := range subs {
			if sub.ctx.Err() == nil && sub.pending.Load() > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return oops.Code("FLOWBUS_FLUSH_TIMEOUT").Wrap(ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close is UnsubscribeAll.
func (r *Receiver) Close() {
	r.UnsubscribeAll()
}
