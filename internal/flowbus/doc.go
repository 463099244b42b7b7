// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package flowbus is a process-wide, typed, in-process event bus.
//
// Events are routed by their exact runtime type. The bus retains the most
// recent event of each type so a late subscriber may receive it on
// subscribe. Every subscription owns a delivery goroutine with an unbounded
// ordered queue, so Post never blocks on a slow subscriber and no event is
// conflated away.
//
// Subscriptions are made through a Receiver, which allows at most one
// subscription per event type. Options.Priority and Options.IgnoreCancelled
// are carried through for API compatibility but currently have no effect.
package flowbus
