package repository

// ChannelState mirrors spec §4.4's pub/sub connection state machine.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
	StateError        ChannelState = "error"
)

// EventType enumerates the notification wire event types (spec §6).
type EventType string

const (
	EventJobSaved     EventType = "jobSaved"
	EventJobCancelled EventType = "jobCancelled"
)

// Event is the small JSON-ish pub/sub payload exchanged between
// instances. Unknown fields/types must be ignored by consumers, so V
// (the wire version) is checked first and anything unrecognized is
// dropped rather than erroring.
type Event struct {
	V         int       `json:"v"`
	Type      EventType `json:"type"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NextRunAt *string   `json:"nextRunAt"` // ISO-8601, nil means null
}

// WireVersion is the only event version this scheduler emits/accepts.
const WireVersion = 1

// Unsubscribe stops delivery to the handler it was returned from.
type Unsubscribe func()

// NotificationChannel is the pub/sub abstraction from spec §4.4. A
// backend may decline to provide one; the scheduler then relies on
// polling alone (see agenda.Options.Notifier == nil).
type NotificationChannel interface {
	Connect() error
	Disconnect() error
	Publish(event Event) error
	Subscribe(handler func(Event)) Unsubscribe
	State() ChannelState
}
