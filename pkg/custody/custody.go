// Package custody is the authoritative transition table for a custody
// token's lifecycle. Transition legality lives here; whether a given edge
// additionally needs a signature or a specific actor is the caller's
// precondition, so legality and authorization stay independently testable.
package custody

import (
	"fmt"
)

// State is a custody token lifecycle state. Values are the wire strings
// recorded on tokens and ledger events.
type State string

const (
	StateOffered   State = "OFFERED_FOR_PICKUP"
	StateTransit   State = "IN_TRANSIT"
	StateDelivery  State = "OUT_FOR_DELIVERY"
	StateDelivered State = "DELIVERED"
	StateDisputed  State = "DISPUTED"
	StateClosed    State = "CLOSED"
)

// Initial is the state of a freshly minted custody token.
const Initial = StateOffered

var allowed = map[State][]State{
	StateOffered:   {StateTransit, StateClosed, StateDisputed},
	StateTransit:   {StateDelivery, StateDisputed},
	StateDelivery:  {StateDelivered, StateDisputed},
	StateDelivered: {StateClosed, StateDisputed},
	// DISPUTED -> CLOSED requires an explicit resolution event, not a bare
	// transition; the protocol layer enforces that.
	StateDisputed: {StateClosed},
	StateClosed:   {},
}

// TransitionError reports an edge outside the allowed set, carrying the
// attempted pair.
type TransitionError struct {
	Current State
	Next    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: %s -> %s", e.Current, e.Next)
}

// ForwardError reports a state with no forward handoff successor.
type ForwardError struct {
	Current State
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("INVALID_STATE_FOR_TRANSFER: %s", e.Current)
}

// ParseState validates a wire string against the finite state set.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateOffered, StateTransit, StateDelivery, StateDelivered, StateDisputed, StateClosed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown custody state %q", s)
}

// ValidateTransition returns nil when current -> next is in the allowed
// edge set and a *TransitionError otherwise.
func ValidateTransition(current, next State) error {
	for _, n := range allowed[current] {
		if n == next {
			return nil
		}
	}
	return &TransitionError{Current: current, Next: next}
}

// NextForward returns the state-machine-defined successor of current for a
// forward handoff: OFFERED -> TRANSIT -> DELIVERY -> DELIVERED. States
// outside the ladder have no forward successor.
func NextForward(current State) (State, error) {
	switch current {
	case StateOffered:
		return StateTransit, nil
	case StateTransit:
		return StateDelivery, nil
	case StateDelivery:
		return StateDelivered, nil
	}
	return "", &ForwardError{Current: current}
}

// IsTerminal reports whether no outgoing transitions exist. Only CLOSED is
// strictly terminal; DELIVERED and DISPUTED can still move to CLOSED via
// explicit resolution.
func IsTerminal(s State) bool {
	return len(allowed[s]) == 0
}

// CanDispute reports whether s may be forced to DISPUTED.
func CanDispute(s State) bool {
	return ValidateTransition(s, StateDisputed) == nil
}
