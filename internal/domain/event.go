package domain

import "time"

// MessageKind tags the variants a provider webhook entry can normalize to.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindText
	KindStatusUpdate
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindStatusUpdate:
		return "status"
	default:
		return "unknown"
	}
}

// ProviderMessage is the tagged result of normalizing one webhook entry.
// Only KindText carries a usable Event.
type ProviderMessage struct {
	Kind   MessageKind
	Event  InboundEvent
	Reason string
}

// InboundEvent is a canonical inbound text message.
type InboundEvent struct {
	ID           string `validate:"required"`
	Sender       string `validate:"required"`
	Text         string `validate:"required"`
	DeclaredType string `validate:"eq=text"`

	// SentAt is the provider's own timestamp, identical on every redelivery.
	// Zero when the provider omitted it.
	SentAt     time.Time
	ReceivedAt time.Time
}

// TurnTime is the timestamp the event is stored under: the provider's send
// time when known, the local arrival time otherwise.
func (e InboundEvent) TurnTime() time.Time {
	if !e.SentAt.IsZero() {
		return e.SentAt
	}
	return e.ReceivedAt
}
