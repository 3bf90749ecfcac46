// Package call tracks the lifecycle of a single outbound call on the
// device and emits events that drive recording capture and call logging.
package call

// State is a call's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateActive
	StateHolding
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	case StateHolding:
		return "holding"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// validTransitions maps each state to the states it may move to. Dialing
// may jump straight to Disconnected when a call is aborted before answer,
// and Active/Holding toggle freely while the call is up.
var validTransitions = map[State][]State{
	StateIdle:    {StateDialing},
	StateDialing: {StateRinging, StateActive, StateDisconnected},
	StateRinging: {StateActive, StateDisconnected},
	StateActive:  {StateHolding, StateDisconnected},
	StateHolding: {StateActive, StateDisconnected},
}

// canTransition reports whether from -> to is a legal lifecycle move.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
