package lifecycle

import (
	"strings"

	"github.com/vinayprograms/swarmbus/errors"
)

// State is an agent's supervised lifecycle state.
type State int

const (
	StateInitializing State = iota + 1
	StateIdle
	StateRunning
	StateError
	StateStopped
	StateTerminated
)

var stateNames = map[State]string{
	StateInitializing: "INITIALIZING",
	StateIdle:         "IDLE",
	StateRunning:      "RUNNING",
	StateError:        "ERROR",
	StateStopped:      "STOPPED",
	StateTerminated:   "TERMINATED",
}

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateInitializing, StateIdle, StateRunning, StateError, StateStopped, StateTerminated,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Reportable reports whether an agent may claim s in a heartbeat.
func (s State) Reportable() bool {
	return s == StateIdle || s == StateRunning || s == StateError
}

// Supervised reports whether the sweep watches agents in s.
func (s State) Supervised() bool {
	switch s {
	case StateInitializing, StateIdle, StateRunning, StateError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to to is allowed. Staying in
// the same non-terminal state is always allowed.
func (s State) CanTransition(to State) bool {
	if s == StateTerminated || !to.Valid() {
		return false
	}
	if s == to {
		return true
	}
	switch to {
	case StateTerminated:
		return true
	case StateStopped:
		return s != StateTerminated
	case StateInitializing:
		return false
	}
	switch s {
	case StateInitializing, StateIdle, StateRunning, StateError:
		return to == StateIdle || to == StateRunning || to == StateError
	}
	// STOPPED only leaves to TERMINATED.
	return false
}

// ParseState parses a state name, case-insensitively. The activity labels
// THINKING and ACTING parse as RUNNING.
func ParseState(s string) (State, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "THINKING", "ACTING":
		return StateRunning, nil
	}
	for st, n := range stateNames {
		if n == name {
			return st, nil
		}
	}
	return 0, errors.InvalidInput("unknown agent state " + s)
}

// activityLabel returns the label a reported state name carries beyond its
// State, e.g. "THINKING" for RUNNING.
func activityLabel(s string) string {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "THINKING" || name == "ACTING" {
		return name
	}
	return ""
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.InvalidInput("invalid state")
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
