// Package delivery sends replies to the messaging provider. Delivery is
// at-most-once from the pipeline's point of view: a reply that still fails
// after retries is logged and dropped.
package delivery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/retry"
)

const defaultCallTimeout = 15 * time.Second

// Sender is the messaging provider's outbound API.
type Sender interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
}

type Deliverer struct {
	sender      Sender
	policy      retry.Policy
	callTimeout time.Duration
	log         *slog.Logger
}

func NewDeliverer(sender Sender, policy retry.Policy, callTimeout time.Duration, log *slog.Logger) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	d := &Deliverer{sender: sender, callTimeout: callTimeout, log: log}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			d.log.Warn("delivery: send failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}
	}
	d.policy = policy
	return d
}

// Deliver reports whether the provider accepted the reply. It never returns
// an error; the caller decides what a failed delivery means.
func (d *Deliverer) Deliver(ctx context.Context, recipient, text string) bool {
	msg := domain.OutboundMessage{
		Recipient: strings.TrimSpace(recipient),
		Body:      strings.TrimSpace(text),
	}
	if msg.Recipient == "" || msg.Body == "" {
		d.log.Error("delivery: refusing to send incomplete message", "recipient_set", msg.Recipient != "", "body_len", len(msg.Body))
		return false
	}
	if d.sender == nil {
		d.log.Error("delivery: no sender configured")
		return false
	}

	err := d.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
		return d.sender.Send(callCtx, msg)
	})
	if err != nil {
		d.log.Error("delivery: giving up on reply", "user_id", msg.Recipient, "err", err)
		return false
	}
	d.log.Debug("delivery: reply sent", "user_id", msg.Recipient, "body_len", len(msg.Body))
	return true
}
