// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

import "time"

// StateChanged is posted on the bus for every extension state write.
type StateChanged struct {
	Plugin    string
	Extension *Extension
	From      State
	To        State
	At        time.Time
}

// PluginStarted is posted once a plugin's ENABLE sequence has finished.
type PluginStarted struct {
	Plugin  string
	Enabled []string
	Failed  []string
}

// PluginUnloaded is posted once a plugin has been fully torn down.
type PluginUnloaded struct {
	Plugin string
}
