// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

// State is an extension's lifecycle state.
type State int

// Extension states. Unloaded is both initial and terminal.
const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateEnabling
	StateEnabled
	StateUnloading
	StateFailedLoading
	StateFailedEnabling
	StateFailedUnloading
	StateFailedDependencies
)

var stateNames = [...]string{
	StateUnloaded:           "UNLOADED",
	StateLoading:            "LOADING",
	StateLoaded:             "LOADED",
	StateEnabling:           "ENABLING",
	StateEnabled:            "ENABLED",
	StateUnloading:          "UNLOADING",
	StateFailedLoading:      "FAILED_LOADING",
	StateFailedEnabling:     "FAILED_ENABLING",
	StateFailedUnloading:    "FAILED_UNLOADING",
	StateFailedDependencies: "FAILED_DEPENDENCIES",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Failed reports whether s is terminal for the current run.
func (s State) Failed() bool {
	switch s {
	case StateFailedLoading, StateFailedEnabling, StateFailedUnloading, StateFailedDependencies:
		return true
	default:
		return false
	}
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return 0, false
}

// Phase names a lifecycle sequence.
type Phase string

// Lifecycle phases.
const (
	PhaseLoad   Phase = "load"
	PhaseEnable Phase = "enable"
	PhaseUnload Phase = "unload"
)

func (p Phase) running() State {
	switch p {
	case PhaseLoad:
		return StateLoading
	case PhaseEnable:
		return StateEnabling
	default:
		return StateUnloading
	}
}

func (p Phase) done() State {
	switch p {
	case PhaseLoad:
		return StateLoaded
	case PhaseEnable:
		return StateEnabled
	default:
		return StateUnloaded
	}
}

func (p Phase) failed() State {
	switch p {
	case PhaseLoad:
		return StateFailedLoading
	case PhaseEnable:
		return StateFailedEnabling
	default:
		return StateFailedUnloading
	}
}
