//go:generate go run go.uber.org/mock/mockgen -source=orchestrator.go -destination=../mocks/mock_orchestrator.go -package=mocks

// Package usecase drives one inbound event at a time through deduplication,
// storage, context assembly, generation and delivery.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/generation"
	"whatsapp-agent/internal/retry"
)

const DefaultFallbackMessage = "Sorry, something went wrong while processing your message. Please try again."

type State string

const (
	StateReceived         State = "RECEIVED"
	StateDedupCheck       State = "DEDUP_CHECK"
	StateStoreInbound     State = "STORE_INBOUND"
	StateAssembleContext  State = "ASSEMBLE_CONTEXT"
	StateInvokeGeneration State = "INVOKE_GENERATION"
	StateStoreOutbound    State = "STORE_OUTBOUND"
	StateDeliver          State = "DELIVER"
	StateMarkDone         State = "MARK_DONE"

	StateSkipped State = "SKIPPED"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateDone || s == StateFailed
}

type Ledger interface {
	TryBeginProcessing(id string) bool
	MarkDone(id, response string) bool
}

// HistoryWriter reports false from AppendMessage when the turn is already
// stored.
type HistoryWriter interface {
	AppendMessage(ctx context.Context, userID string, turn domain.ConversationTurn) (bool, error)
}

type ContextAssembler interface {
	Assemble(ctx context.Context, userID string, current domain.ConversationTurn) domain.TrimmedContext
}

type Generator interface {
	Invoke(ctx context.Context, systemPrompt string, history domain.TrimmedContext, input string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, recipient, text string) bool
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Normalizer interface {
	Normalize(raw []byte) []domain.ProviderMessage
}

// Outcome reports where an event's processing ended.
type Outcome struct {
	State   State
	EventID string
	Err     error
}

type Config struct {
	ParamPrefix     string
	FallbackMessage string

	// StorePolicy is applied around every history append.
	StorePolicy retry.Policy

	// TurnTimeout bounds one event from storage to delivery. The fallback
	// reply is sent outside it under FallbackTimeout. Zero means no bound.
	TurnTimeout     time.Duration
	FallbackTimeout time.Duration
}

type Orchestrator struct {
	ledger     Ledger
	store      HistoryWriter
	assembler  ContextAssembler
	generator  Generator
	deliverer  Deliverer
	params     ParamGetter
	normalizer Normalizer

	paramPrefix     string
	fallback        string
	storePolicy     retry.Policy
	turnTimeout     time.Duration
	fallbackTimeout time.Duration
	now             func() time.Time
	log             *slog.Logger

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
}

type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithNormalizer enables HandlePayload.
func WithNormalizer(n Normalizer) Option {
	return func(o *Orchestrator) {
		o.normalizer = n
	}
}

func NewOrchestrator(l Ledger, s HistoryWriter, a ContextAssembler, g Generator, d Deliverer, p ParamGetter, cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case l == nil:
		return nil, errors.New("usecase: ledger must not be nil")
	case s == nil:
		return nil, errors.New("usecase: history store must not be nil")
	case a == nil:
		return nil, errors.New("usecase: context assembler must not be nil")
	case g == nil:
		return nil, errors.New("usecase: generator must not be nil")
	case d == nil:
		return nil, errors.New("usecase: deliverer must not be nil")
	case p == nil:
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	fallback := strings.TrimSpace(cfg.FallbackMessage)
	if fallback == "" {
		fallback = DefaultFallbackMessage
	}

	o := &Orchestrator{
		ledger:          l,
		store:           s,
		assembler:       a,
		generator:       g,
		deliverer:       d,
		params:          p,
		paramPrefix:     paramPrefix,
		fallback:        fallback,
		turnTimeout:     cfg.TurnTimeout,
		fallbackTimeout: cfg.FallbackTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	policy := cfg.StorePolicy
	// Storage failures are retried unless the caller gave up.
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			o.log.Warn("usecase: history append failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}
	}
	o.storePolicy = policy
	return o, nil
}

// HandlePayload normalizes a raw webhook body and processes every text event
// in payload order. Unusable messages are reported as skipped; status updates
// produce no outcome.
func (o *Orchestrator) HandlePayload(ctx context.Context, raw []byte) []Outcome {
	if o.normalizer == nil {
		o.log.Error("usecase: no normalizer configured, dropping payload", "bytes", len(raw))
		return nil
	}
	msgs := o.normalizer.Normalize(raw)
	outcomes := make([]Outcome, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Kind {
		case domain.KindText:
			outcomes = append(outcomes, o.Process(ctx, msg.Event))
		case domain.KindStatusUpdate:
			o.log.Debug("usecase: ignoring status update")
		default:
			o.log.Info("usecase: skipping unusable message", "reason", msg.Reason)
			outcomes = append(outcomes, Outcome{
				State: StateSkipped,
				Err:   newError(ErrorMalformedPayload, msg.Reason, nil),
			})
		}
	}
	return outcomes
}

// Process runs one event to a terminal state. A duplicate id, or an event
// whose inbound turn another invocation already stored, ends in SKIPPED with
// no reply. Every other event is marked done in the ledger, and the user
// receives either the generated reply or the fallback.
func (o *Orchestrator) Process(ctx context.Context, ev domain.InboundEvent) Outcome {
	log := o.log.With("event_id", ev.ID, "user_id", ev.Sender)
	o.enter(log, StateReceived)

	o.enter(log, StateDedupCheck)
	if !o.ledger.TryBeginProcessing(ev.ID) {
		log.Info("usecase: duplicate event skipped")
		return o.skip(log, ev, "already_seen")
	}

	runCtx, cancel := o.turnContext(ctx)
	reply, err := o.run(runCtx, log, ev)
	cancel()
	if errors.Is(err, errAlreadyStored) {
		log.Info("usecase: inbound turn already stored, skipping redelivery")
		o.ledger.MarkDone(ev.ID, "")
		return o.skip(log, ev, "already_stored")
	}
	if err != nil {
		return o.fail(ctx, log, ev, err)
	}

	o.enter(log, StateMarkDone)
	if !o.ledger.MarkDone(ev.ID, reply) {
		log.Warn("usecase: ledger record missing at mark done")
	}
	o.enter(log, StateDone)
	log.Info("usecase: event processed", "reply_len", len(reply))
	return Outcome{State: StateDone, EventID: ev.ID}
}

var errAlreadyStored = errors.New("usecase: inbound turn already stored")

func (o *Orchestrator) skip(log *slog.Logger, ev domain.InboundEvent, reason string) Outcome {
	o.enter(log, StateSkipped)
	return Outcome{
		State:   StateSkipped,
		EventID: ev.ID,
		Err:     newError(ErrorDuplicateEvent, reason, nil),
	}
}

func (o *Orchestrator) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.turnTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.turnTimeout)
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, ev domain.InboundEvent) (string, error) {
	inbound := domain.ConversationTurn{
		EventID:   ev.ID,
		Speaker:   domain.SpeakerUser,
		Content:   ev.Text,
		Timestamp: ev.TurnTime(),
	}
	if inbound.Timestamp.IsZero() {
		inbound.Timestamp = o.now()
	}

	o.enter(log, StateStoreInbound)
	stored, err := o.appendTurn(ctx, ev.Sender, inbound)
	if err != nil {
		return "", storeError("store_inbound_failed", err)
	}
	if !stored {
		return "", errAlreadyStored
	}

	o.enter(log, StateAssembleContext)
	history := o.assembler.Assemble(ctx, ev.Sender, inbound)
	log.Debug("usecase: context assembled", "turns", len(history))

	o.enter(log, StateInvokeGeneration)
	if err := o.ensureConfig(ctx); err != nil {
		return "", newError(ErrorInternal, "system_prompt_unavailable", err)
	}
	reply, err := o.generator.Invoke(ctx, o.cachedSystemPrompt(), history, ev.Text)
	if err != nil {
		return "", generationError(err)
	}

	o.enter(log, StateStoreOutbound)
	outbound := domain.ConversationTurn{
		EventID:   ev.ID,
		Speaker:   domain.SpeakerAssistant,
		Content:   reply,
		Timestamp: o.now(),
	}
	if !outbound.Timestamp.After(inbound.Timestamp) {
		outbound.Timestamp = inbound.Timestamp.Add(time.Microsecond)
	}
	if _, err := o.appendTurn(ctx, ev.Sender, outbound); err != nil {
		return "", storeError("store_outbound_failed", err)
	}

	o.enter(log, StateDeliver)
	if !o.deliverer.Deliver(ctx, ev.Sender, reply) {
		return "", newError(ErrorTransient, "delivery_failed", nil)
	}
	return reply, nil
}

// fail attempts the fallback reply and still marks the event done, so a
// provider redelivering the same event does not repeat the failure.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, ev domain.InboundEvent, err error) Outcome {
	log.Error("usecase: event failed, sending fallback", "err", err)
	o.enter(log, StateFailed)

	// The fallback is still owed to the user when the request context is gone.
	sendCtx := context.WithoutCancel(ctx)
	if o.fallbackTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(sendCtx, o.fallbackTimeout)
		defer cancel()
	}
	if !o.deliverer.Deliver(sendCtx, ev.Sender, o.fallback) {
		log.Error("usecase: fallback delivery failed")
	}
	o.ledger.MarkDone(ev.ID, "")
	return Outcome{State: StateFailed, EventID: ev.ID, Err: err}
}

// appendTurn reports whether this call stored the turn. A copy found after a
// failed attempt is taken to be that attempt's write landing late.
func (o *Orchestrator) appendTurn(ctx context.Context, userID string, turn domain.ConversationTurn) (bool, error) {
	var stored bool
	attempts := 0
	err := o.storePolicy.Do(ctx, func(ctx context.Context) error {
		attempts++
		ok, err := o.store.AppendMessage(ctx, userID, turn)
		if err != nil {
			return err
		}
		stored = ok || attempts > 1
		return nil
	})
	return stored, err
}

func (o *Orchestrator) enter(log *slog.Logger, s State) {
	log.Debug("usecase: state transition", "state", s)
}

func (o *Orchestrator) ensureConfig(ctx context.Context) error {
	o.cacheMu.RLock()
	if o.cacheLoaded {
		o.cacheMu.RUnlock()
		return nil
	}
	o.cacheMu.RUnlock()

	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	if o.cacheLoaded {
		return nil
	}

	persona, err := o.params.GetParameter(ctx, o.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	o.systemPrompt = buildSystemPrompt(persona)
	o.cacheLoaded = true
	return nil
}

func (o *Orchestrator) cachedSystemPrompt() string {
	o.cacheMu.RLock()
	defer o.cacheMu.RUnlock()
	return o.systemPrompt
}

func storeError(reason string, err error) *Error {
	if retry.IsTransient(err) {
		return newError(ErrorTransient, reason, err)
	}
	return newError(ErrorPermanent, reason, err)
}

func generationError(err error) *Error {
	if generation.Classify(err).Transient() {
		return newError(ErrorTransient, "generation_failed", err)
	}
	return newError(ErrorPermanent, "generation_failed", err)
}
