package domain

import "time"

// EventKind names an asynchronous platform event.
type EventKind string

const (
	EventPairingTokenRefreshed EventKind = "pairingTokenRefreshed"
	EventSessionReady          EventKind = "sessionReady"
	EventSessionLost           EventKind = "sessionLost"
	EventMessageReceived       EventKind = "messageReceived"
)

// Event is a normalized platform event travelling from an adapter to the
// router. Only the fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	Platform  Platform
	Token     *PairingToken
	Account   *Account
	Message   *Message
	Reason    string
	// Err is the typed cause of a SessionLost, such as an AuthError of kind
	// PairingExpired. Nil when the platform gave only a reason.
	Err       error
	Timestamp time.Time
}

// IsPlatformStatus reports whether the event describes session status and is
// therefore delivered to every connection regardless of subscriptions.
func (e Event) IsPlatformStatus() bool {
	switch e.Kind {
	case EventPairingTokenRefreshed, EventSessionReady, EventSessionLost:
		return true
	}
	return false
}

// EventSink is the single inbound queue adapters push into.
type EventSink interface {
	Publish(e Event)
}
