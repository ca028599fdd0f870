package anchorrisk

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   map[string]any
		want      Impact
	}{
		{"seal broken by tamper", EventSealBroken, map[string]any{"trigger_type": "TAMPER"}, ImpactCritical},
		{"seal broken by force", EventSealBroken, map[string]any{"trigger_type": "FORCE"}, ImpactCritical},
		{"seal broken otherwise", EventSealBroken, map[string]any{"trigger_type": "WEAR"}, ImpactMajor},
		{"seal broken no trigger", EventSealBroken, map[string]any{}, ImpactMajor},
		{"shock alert", EventEnvironmentalAlert, map[string]any{"metric": "SHOCK"}, ImpactMajor},
		{"temperature alert", EventEnvironmentalAlert, map[string]any{"metric": "TEMP"}, ImpactMinor},
		{"custody signal", EventCustodySignal, nil, ImpactMinor},
		{"seal armed", EventSealArmed, nil, ImpactNone},
		{"registered", EventRegistered, nil, ImpactNone},
		{"unknown type", "ANCHOR_MYSTERY", nil, ImpactNone},
	}
	for _, c := range cases {
		if got := Classify(c.eventType, c.payload); got != c.want {
			t.Errorf("%s: Classify = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestKnownEventType(t *testing.T) {
	for _, known := range []string{EventRegistered, EventSealArmed, EventSealBroken, EventEnvironmentalAlert, EventCustodySignal} {
		if !KnownEventType(known) {
			t.Errorf("expected %s known", known)
		}
	}
	if KnownEventType("ANCHOR_MYSTERY") {
		t.Errorf("expected unknown type rejected")
	}
}
