package custody

import (
	"errors"
	"testing"
)

var all = []State{StateOffered, StateTransit, StateDelivery, StateDelivered, StateDisputed, StateClosed}

func TestAllowedEdgeSetExactly(t *testing.T) {
	type edge struct{ from, to State }
	want := map[edge]bool{
		{StateOffered, StateTransit}:    true,
		{StateOffered, StateClosed}:     true,
		{StateOffered, StateDisputed}:   true,
		{StateTransit, StateDelivery}:   true,
		{StateTransit, StateDisputed}:   true,
		{StateDelivery, StateDelivered}: true,
		{StateDelivery, StateDisputed}:  true,
		{StateDelivered, StateClosed}:   true,
		{StateDelivered, StateDisputed}: true,
		{StateDisputed, StateClosed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if want[edge{from, to}] {
				if err != nil {
					t.Errorf("expected %s -> %s allowed, got %v", from, to, err)
				}
				continue
			}
			if err == nil {
				t.Errorf("expected %s -> %s rejected", from, to)
				continue
			}
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Errorf("expected *TransitionError for %s -> %s, got %T", from, to, err)
			} else if te.Current != from || te.Next != to {
				t.Errorf("error pair mismatch: got (%s,%s) want (%s,%s)", te.Current, te.Next, from, to)
			}
		}
	}
}

func TestDisputedReachableFromEveryNonTerminalState(t *testing.T) {
	for _, from := range all {
		if IsTerminal(from) || from == StateDisputed {
			continue
		}
		if err := ValidateTransition(from, StateDisputed); err != nil {
			t.Errorf("expected %s -> DISPUTED allowed, got %v", from, err)
		}
	}
}

func TestClosedReachableOnlyFromOfferedDeliveredDisputed(t *testing.T) {
	for _, from := range all {
		err := ValidateTransition(from, StateClosed)
		switch from {
		case StateOffered, StateDelivered, StateDisputed:
			if err != nil {
				t.Errorf("expected %s -> CLOSED allowed, got %v", from, err)
			}
		default:
			if err == nil {
				t.Errorf("expected %s -> CLOSED rejected", from)
			}
		}
	}
}

func TestNextForwardLadder(t *testing.T) {
	cases := []struct {
		from State
		want State
	}{
		{StateOffered, StateTransit},
		{StateTransit, StateDelivery},
		{StateDelivery, StateDelivered},
	}
	for _, c := range cases {
		got, err := NextForward(c.from)
		if err != nil {
			t.Fatalf("NextForward(%s): %v", c.from, err)
		}
		if got != c.want {
			t.Fatalf("NextForward(%s) = %s, want %s", c.from, got, c.want)
		}
		if err := ValidateTransition(c.from, got); err != nil {
			t.Fatalf("forward edge %s -> %s not in allowed set: %v", c.from, got, err)
		}
	}

	for _, from := range []State{StateDelivered, StateDisputed, StateClosed} {
		if _, err := NextForward(from); err == nil {
			t.Errorf("expected no forward successor for %s", from)
		}
	}
}

func TestTerminality(t *testing.T) {
	if !IsTerminal(StateClosed) {
		t.Fatalf("CLOSED must be terminal")
	}
	for _, s := range []State{StateOffered, StateTransit, StateDelivery, StateDelivered, StateDisputed} {
		if IsTerminal(s) {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range all {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseState(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseState("IN_LIMBO"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
