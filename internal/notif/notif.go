// Package notif enumerates the notification types pushbridge understands
// and their default opt-in state.
package notif

import "sort"

// Known notification types. Incoming messages may carry types outside this
// list; those resolve as enabled unless a user stored an override, but the
// write paths only accept known names.
const (
	TypeEventCreation            = "event_creation"
	TypeEventUpdate              = "event_update"
	TypeRegistrationOpen         = "registration_open"
	TypeRegistrationConfirmation = "registration_confirmation"
	TypeAbstractSubmission       = "abstract_submission"
	TypeAbstractReview           = "abstract_review"
	TypeReminder                 = "reminder"

	// TypeGeneric is assigned when an intake request carries no type tag.
	TypeGeneric = "generic"
)

// defaults maps known types to their out-of-the-box state. Everything is
// opt-out today; the map shape leaves room for opt-in types later.
var defaults = map[string]bool{
	TypeEventCreation:            true,
	TypeEventUpdate:              true,
	TypeRegistrationOpen:         true,
	TypeRegistrationConfirmation: true,
	TypeAbstractSubmission:       true,
	TypeAbstractReview:           true,
	TypeReminder:                 true,
}

// Known reports whether name is a recognized preference key.
func Known(name string) bool {
	_, ok := defaults[name]
	return ok
}

// DefaultEnabled returns the default state for a type. Unknown types default
// to enabled so that new host-side types flow through before this list
// catches up.
func DefaultEnabled(name string) bool {
	if v, ok := defaults[name]; ok {
		return v
	}
	return true
}

// Types returns the known preference keys in stable order.
func Types() []string {
	out := make([]string, 0, len(defaults))
	for name := range defaults {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
