// Package webhook turns raw messaging-provider webhook payloads into canonical
// inbound events.
package webhook

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"whatsapp-agent/internal/domain"
)

const typeText = "text"

// Every level of the envelope stays raw and is decoded element by element, so
// one malformed entry, change or message only costs itself.
type payload struct {
	Object  string            `json:"object"`
	Entry   []json.RawMessage `json:"entry"`
	Entries []json.RawMessage `json:"entries"`
}

type entry struct {
	ID      string            `json:"id"`
	Changes []json.RawMessage `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type changeValue struct {
	Messages []json.RawMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type rawMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
}

// Normalizer never fails: anything it cannot use is tagged and skipped.
type Normalizer struct {
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
}

func NewNormalizer(log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{
		validate: validator.New(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Normalize returns one tagged message per webhook element, in payload order.
// An envelope element that cannot be decoded is reported as one unknown
// message and its valid siblings are still returned.
func (n *Normalizer) Normalize(raw []byte) []domain.ProviderMessage {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		n.log.Warn("webhook: malformed payload", "err", err, "bytes", len(raw))
		return nil
	}
	receivedAt := n.now()

	var out []domain.ProviderMessage
	for _, rawEntry := range append(p.Entry, p.Entries...) {
		var e entry
		if err := json.Unmarshal(rawEntry, &e); err != nil {
			n.log.Warn("webhook: malformed entry", "err", err)
			out = append(out, unknown("malformed_entry"))
			continue
		}
		for _, rawChange := range e.Changes {
			out = append(out, n.normalizeChange(rawChange, receivedAt)...)
		}
	}
	return out
}

func (n *Normalizer) normalizeChange(raw json.RawMessage, receivedAt time.Time) []domain.ProviderMessage {
	var c change
	if err := json.Unmarshal(raw, &c); err != nil {
		n.log.Warn("webhook: malformed change", "err", err)
		return []domain.ProviderMessage{unknown("malformed_change")}
	}
	if len(c.Value) == 0 {
		return nil
	}
	var v changeValue
	if err := json.Unmarshal(c.Value, &v); err != nil {
		n.log.Warn("webhook: malformed change value", "field", c.Field, "err", err)
		return []domain.ProviderMessage{unknown("malformed_change")}
	}

	out := make([]domain.ProviderMessage, 0, len(v.Messages)+len(v.Statuses))
	for _, m := range v.Messages {
		out = append(out, n.normalizeMessage(m, receivedAt))
	}
	for range v.Statuses {
		out = append(out, domain.ProviderMessage{Kind: domain.KindStatusUpdate, Reason: "status_update"})
	}
	return out
}

func unknown(reason string) domain.ProviderMessage {
	return domain.ProviderMessage{Kind: domain.KindUnknown, Reason: reason}
}

// Events returns only the usable text events of a payload, in order.
func (n *Normalizer) Events(raw []byte) []domain.InboundEvent {
	msgs := lo.Filter(n.Normalize(raw), func(m domain.ProviderMessage, _ int) bool {
		return m.Kind == domain.KindText
	})
	return lo.Map(msgs, func(m domain.ProviderMessage, _ int) domain.InboundEvent {
		return m.Event
	})
}

func (n *Normalizer) normalizeMessage(raw json.RawMessage, receivedAt time.Time) domain.ProviderMessage {
	var m rawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		n.log.Warn("webhook: malformed message", "err", err)
		return unknown("malformed_message")
	}
	if m.Type != typeText {
		n.log.Debug("webhook: ignoring non-text message", "event_id", m.ID, "type", m.Type)
		return unknown("unsupported_type")
	}

	ev := domain.InboundEvent{
		ID:           strings.TrimSpace(m.ID),
		Sender:       strings.TrimSpace(m.From),
		DeclaredType: m.Type,
		SentAt:       parseUnix(m.Timestamp),
		ReceivedAt:   receivedAt,
	}
	if m.Text != nil {
		ev.Text = strings.TrimSpace(m.Text.Body)
	}
	if err := n.validate.Struct(ev); err != nil {
		n.log.Warn("webhook: incomplete text message", "event_id", ev.ID, "err", err)
		return unknown("missing_fields")
	}
	return domain.ProviderMessage{Kind: domain.KindText, Event: ev}
}

// parseUnix reads the provider's epoch-seconds timestamp. Anything else
// yields the zero time.
func parseUnix(raw string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
