// Package generation wraps the generation collaborator with the shared rate
// limiter and a retry policy for transient failures.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"whatsapp-agent/internal/domain"
	"whatsapp-agent/internal/retry"
)

const defaultCallTimeout = 30 * time.Second

var ErrEmptyResponse = errors.New("generation: empty response")

// Generator is the generation collaborator.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history domain.TrimmedContext, input string) (string, error)
}

// Limiter makes callers wait for a free slot.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Invoker struct {
	gen         Generator
	limiter     Limiter
	policy      retry.Policy
	callTimeout time.Duration
	log         *slog.Logger
}

type Option func(*Invoker)

func WithCallTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.callTimeout = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(i *Invoker) {
		if log != nil {
			i.log = log
		}
	}
}

// NewInvoker wires a generator to a limiter shared by every invoker in the
// process and a retry policy. The policy's Retryable predicate is replaced:
// only transient generation kinds are retried.
func NewInvoker(gen Generator, limiter Limiter, policy retry.Policy, opts ...Option) (*Invoker, error) {
	if gen == nil {
		return nil, errors.New("generation: generator must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("generation: limiter must not be nil")
	}
	inv := &Invoker{
		gen:         gen,
		limiter:     limiter,
		callTimeout: defaultCallTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	policy.Retryable = func(err error) bool {
		return Classify(err).Transient()
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			inv.log.Warn("generation: transient failure, retrying",
				"attempt", attempt, "delay", delay, "err", err)
		}
	}
	inv.policy = policy
	return inv, nil
}

// Invoke returns the generated text or a *Error describing the final failure.
func (i *Invoker) Invoke(ctx context.Context, systemPrompt string, history domain.TrimmedContext, input string) (string, error) {
	var text string
	err := i.policy.Do(ctx, func(ctx context.Context) error {
		if err := i.limiter.Wait(ctx); err != nil {
			return Classify(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, i.callTimeout)
		defer cancel()

		out, err := i.gen.Generate(callCtx, systemPrompt, history, input)
		if err != nil {
			return Classify(err)
		}
		if strings.TrimSpace(out) == "" {
			return &Error{Kind: KindPermanent, Err: ErrEmptyResponse}
		}
		text = out
		return nil
	})
	if err != nil {
		return "", Classify(err)
	}
	return text, nil
}
