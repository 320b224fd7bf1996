package domain

import "time"

// Speaker identifies who authored a conversation turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationTurn is a single stored message in a user's history. It is
// owned by the storage layer and read-only to the reply pipeline.
type ConversationTurn struct {
	// EventID is the inbound event the turn belongs to; a reply shares the
	// id of the message it answers. Empty for turns stored without one.
	EventID   string
	Speaker   Speaker
	Content   string
	Timestamp time.Time
}

// Role maps the speaker onto the chat role expected by LLM APIs.
func (t ConversationTurn) Role() string {
	if t.Speaker == SpeakerAssistant {
		return RoleAssistant
	}
	return RoleUser
}

// TrimmedContext is a chronologically ordered suffix of a user's history that
// fits the configured context budget. Built per request, never persisted.
type TrimmedContext []ConversationTurn
