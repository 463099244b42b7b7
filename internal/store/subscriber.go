// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/pkg/errutil"
)

// recordTimeout bounds a single journal insert.
const recordTimeout = 5 * time.Second

type recorder interface {
	Record(ctx context.Context, tr Transition) error
}

// Subscriber journals every lifecycle.StateChanged posted on a bus.
type Subscriber struct {
	journal recorder
	logger  *slog.Logger
	recv    *flowbus.Receiver
}

// NewSubscriber subscribes j to bus. Transitions posted before the call
// are not journaled.
func NewSubscriber(j recorder, bus *flowbus.Bus, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{journal: j, logger: logger, recv: flowbus.NewReceiver(bus)}
	if err := flowbus.Subscribe(s.recv, flowbus.Options{SkipRetained: true}, s.record); err != nil {
		s.recv.Close()
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) record(ctx context.Context, ev lifecycle.StateChanged) {
	tr := Transition{
		Plugin: ev.Plugin,
		From:   ev.From.String(),
		To:     ev.To.String(),
		Failed: ev.To.Failed(),
		At:     ev.At,
	}
	if ev.Extension != nil {
		tr.Extension = ev.Extension.Name()
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	if err := s.journal.Record(ctx, tr); err != nil {
		errutil.LogError(s.logger, "journal record failed", err,
			"plugin", tr.Plugin,
			"extension", tr.Extension,
			"to", tr.To)
	}
}

// Close waits up to recordTimeout for queued transitions to be recorded,
// then stops journaling.
func (s *Subscriber) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.recv.Flush(ctx); err != nil {
		errutil.LogError(s.logger, "journal flush incomplete", err)
	}
	s.recv.Close()
}
