package component

import "fmt"

// State is the lifecycle state reported by a component, and also the
// aggregate state of a whole runset. A runset is in state S when every
// member reports S.
type State uint8

const (
	StateUnknown State = iota
	StateIdle
	StateConfiguring
	StateConnecting
	StateConnected
	StateReady
	StateStarting
	StateRunning
	StateStopping
	StateForcingStop
	StateResetting
	StateError
	StateDestroyed

	// Client-side sentinels assigned by the liveness watchdog, never
	// reported by a component itself.
	StateMissing
	StateDead
	StateHanging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateForcingStop:
		return "forcingStop"
	case StateResetting:
		return "resetting"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	case StateMissing:
		return "missing"
	case StateDead:
		return "dead"
	case StateHanging:
		return "hanging"
	default:
		return "unknown"
	}
}

// ParseState converts a state name back to a State.
func ParseState(s string) (State, error) {
	for st := StateIdle; st <= StateHanging; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("invalid state %q", s)
}

// Live reports whether the state was observed from a responding component,
// as opposed to a watchdog sentinel.
func (s State) Live() bool {
	switch s {
	case StateUnknown, StateMissing, StateDead, StateHanging:
		return false
	default:
		return true
	}
}
