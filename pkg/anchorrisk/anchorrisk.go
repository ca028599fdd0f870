// Package anchorrisk maps anchor (physical seal/sensor) events to a risk
// severity. The effect policy for a classified event lives with the anchor
// processor; this package only answers "how bad is this signal".
package anchorrisk

// Impact is the severity classification of an anchor event.
type Impact string

const (
	ImpactNone     Impact = "NONE"
	ImpactMinor    Impact = "MINOR"
	ImpactMajor    Impact = "MAJOR"
	ImpactCritical Impact = "CRITICAL"
)

// Anchor event types as delivered by the anchor service.
const (
	EventRegistered         = "ANCHOR_REGISTERED"
	EventSealArmed          = "ANCHOR_SEAL_ARMED"
	EventSealBroken         = "ANCHOR_SEAL_BROKEN"
	EventEnvironmentalAlert = "ANCHOR_ENVIRONMENTAL_ALERT"
	EventCustodySignal      = "ANCHOR_CUSTODY_SIGNAL"
)

// KnownEventType reports whether t is in the anchor event enum.
func KnownEventType(t string) bool {
	switch t {
	case EventRegistered, EventSealArmed, EventSealBroken, EventEnvironmentalAlert, EventCustodySignal:
		return true
	}
	return false
}

// Classify computes the risk impact of an anchor event. A broken seal with
// a TAMPER or FORCE trigger is CRITICAL; any other break is MAJOR. Shock
// alerts are MAJOR, other environmental alerts MINOR. Custody signals are
// MINOR, arming is NONE, and anything unrecognized is NONE.
func Classify(eventType string, payload map[string]any) Impact {
	switch eventType {
	case EventSealBroken:
		trigger, _ := payload["trigger_type"].(string)
		if trigger == "TAMPER" || trigger == "FORCE" {
			return ImpactCritical
		}
		return ImpactMajor
	case EventEnvironmentalAlert:
		metric, _ := payload["metric"].(string)
		if metric == "SHOCK" {
			return ImpactMajor
		}
		return ImpactMinor
	case EventCustodySignal:
		return ImpactMinor
	case EventSealArmed:
		return ImpactNone
	}
	return ImpactNone
}
