package qq

import "fmt"

// ConnState is the gateway connection phase. The connection tracks exactly
// one of these at a time; transition() is the only way to change it, so
// ordering bugs (heartbeating before Identify, identifying twice on one
// socket) fail loudly instead of corrupting the session.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAwaitingHello
	StateIdentifying
	StateReady
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// legalTransitions maps each state to its permitted successors. Reconnecting
// and Closed may be entered from anywhere (socket loss and shutdown do not
// wait for a convenient phase); Closed is terminal.
var legalTransitions = map[ConnState][]ConnState{
	StateConnecting:    {StateAwaitingHello, StateReconnecting, StateClosed},
	StateAwaitingHello: {StateIdentifying, StateReconnecting, StateClosed},
	StateIdentifying:   {StateReady, StateIdentifying, StateReconnecting, StateClosed},
	StateReady:         {StateIdentifying, StateReconnecting, StateClosed},
	StateReconnecting:  {StateConnecting, StateReconnecting, StateClosed},
	StateClosed:        {StateClosed},
}

// transition validates from→to and returns the new state. An illegal
// transition is a programming error in the state machine, not a protocol
// condition, so it is returned as an error for the caller to log and refuse.
func transition(from, to ConnState) (ConnState, error) {
	for _, next := range legalTransitions[from] {
		if next == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("qq: illegal state transition %s -> %s", from, to)
}
