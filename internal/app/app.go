// Package app wires the pipeline together for both entrypoints.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"whatsapp-agent/handler"
	"whatsapp-agent/internal/config"
	"whatsapp-agent/internal/conversation"
	"whatsapp-agent/internal/delivery"
	"whatsapp-agent/internal/generation"
	"whatsapp-agent/internal/integrations/openai"
	"whatsapp-agent/internal/integrations/paramstore"
	"whatsapp-agent/internal/integrations/whatsapp"
	"whatsapp-agent/internal/ledger"
	"whatsapp-agent/internal/ratelimit"
	"whatsapp-agent/internal/repository"
	"whatsapp-agent/internal/retry"
	"whatsapp-agent/internal/usecase"
	"whatsapp-agent/internal/webhook"
)

// App holds the process-wide components. Ledger and limiter state lives as
// long as the process.
type App struct {
	Handler *handler.Handler
	Params  *paramstore.Client
	Ledger  *ledger.Ledger

	paramPrefix string
}

// New builds every component from cfg. It performs no network calls.
func New(cfg config.Config, awsCfg aws.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	// ---- Clients ----
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create SSM client: %w", err)
	}
	history, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.HistoryTable,
		repository.WithCallTimeout(cfg.CallTimeout))
	if err != nil {
		return nil, fmt.Errorf("app: create history store: %w", err)
	}
	llm, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create OpenAI client: %w", err)
	}
	messenger, err := whatsapp.NewClient(params, cfg.ParamPrefix, cfg.WhatsAppNumberID,
		whatsapp.WithBaseURL(cfg.WhatsAppBaseURL),
		whatsapp.WithAPIVersion(cfg.WhatsAppAPIVersion),
		whatsapp.WithHTTPClient(&http.Client{Timeout: cfg.CallTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create WhatsApp client: %w", err)
	}

	// ---- Pipeline ----
	genPolicy := retry.New(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	storePolicy := retry.New(cfg.RetryMaxAttempts, cfg.StoreRetryBaseDelay, cfg.StoreRetryMaxDelay)
	deliveryPolicy := retry.New(cfg.RetryMaxAttempts, cfg.DeliveryRetryBaseDelay, cfg.DeliveryRetryMaxDelay)

	invoker, err := generation.NewInvoker(llm, ratelimit.NewWindow(cfg.GenerationRateLimit, cfg.GenerationRateWindow), genPolicy,
		generation.WithCallTimeout(cfg.CallTimeout),
		generation.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create generation invoker: %w", err)
	}
	assembler := conversation.NewAssembler(history, conversation.Config{
		Budget:          cfg.ContextBudget,
		SystemReserve:   cfg.SystemReserve,
		ResponseReserve: cfg.ResponseReserve,
		HistoryLimit:    cfg.HistoryLimit,
		FetchTimeout:    cfg.CallTimeout,
	}, log)
	led := ledger.New(cfg.LedgerTTL, cfg.LedgerCapacity)

	orchestrator, err := usecase.NewOrchestrator(
		led,
		history,
		assembler,
		invoker,
		delivery.NewDeliverer(messenger, deliveryPolicy, cfg.DeliveryTimeout, log),
		params,
		usecase.Config{
			ParamPrefix:     cfg.ParamPrefix,
			FallbackMessage: cfg.FallbackMessage,
			StorePolicy:     storePolicy,
			TurnTimeout:     cfg.TurnTimeout,
			FallbackTimeout: cfg.FallbackTimeout,
		},
		usecase.WithLogger(log),
		usecase.WithNormalizer(webhook.NewNormalizer(log)),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create orchestrator: %w", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(orchestrator, params, cfg.ParamPrefix,
		handler.WithLogger(log),
		handler.WithLedgerStats(led.Stats),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create handler: %w", err)
	}

	return &App{Handler: h, Params: params, Ledger: led, paramPrefix: cfg.ParamPrefix}, nil
}

// SecretNames lists every parameter the pipeline reads.
func (a *App) SecretNames() []string {
	names := []string{"whatsapp-token", "verify-token", "open-ai-token", "system_prompt", "config/openai_model"}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, a.paramPrefix+"/"+n)
	}
	return out
}

// Warm fetches every parameter in one round trip so the first webhook does
// not pay for it. Failures are not fatal: parameters load lazily later.
func (a *App) Warm(ctx context.Context, log *slog.Logger) {
	if err := a.Params.Preload(ctx, a.SecretNames()...); err != nil {
		log.Warn("app: parameter preload failed", "err", err)
	}
}
