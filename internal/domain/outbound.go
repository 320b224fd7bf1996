package domain

// OutboundMessage is a reply addressed to an end user.
type OutboundMessage struct {
	Recipient string
	Body      string
}
