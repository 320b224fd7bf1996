// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// Config holds everything that is not a secret. Secrets live in the
// parameter store under ParamPrefix.
type Config struct {
	HistoryTable string `env:"HISTORY_TABLE,required=true" validate:"required"`
	ParamPrefix  string `env:"PARAM_PREFIX,required=true" validate:"required,startswith=/"`

	WhatsAppNumberID   string `env:"WHATSAPP_NUMBER_ID,required=true" validate:"required,numeric"`
	WhatsAppAPIVersion string `env:"WHATSAPP_API_VERSION,default=v21.0" validate:"required,startswith=v"`
	WhatsAppBaseURL    string `env:"WHATSAPP_BASE_URL,default=https://graph.facebook.com" validate:"required,url"`
	OpenAIBaseURL      string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1" validate:"required,url"`

	LedgerTTL      time.Duration `env:"LEDGER_TTL,default=300s" validate:"gt=0"`
	LedgerCapacity int           `env:"LEDGER_CAPACITY,default=1000" validate:"gte=1"`

	HistoryLimit    int `env:"HISTORY_LIMIT,default=50" validate:"gte=1"`
	ContextBudget   int `env:"CONTEXT_BUDGET,default=8000" validate:"gte=1"`
	SystemReserve   int `env:"SYSTEM_RESERVE,default=1500" validate:"gte=0"`
	ResponseReserve int `env:"RESPONSE_RESERVE,default=2000" validate:"gte=0"`

	GenerationRateLimit  int           `env:"GENERATION_RATE_LIMIT,default=20" validate:"gte=1"`
	GenerationRateWindow time.Duration `env:"GENERATION_RATE_WINDOW,default=60s" validate:"gt=0"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=3" validate:"gte=1,lte=10"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY,default=4s" validate:"gt=0"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY,default=10s" validate:"gtefield=RetryBaseDelay"`
	CallTimeout      time.Duration `env:"CALL_TIMEOUT,default=15s" validate:"gt=0"`

	// History appends and outbound sends get shorter retry schedules than
	// generation so a whole turn fits inside TurnTimeout.
	StoreRetryBaseDelay    time.Duration `env:"STORE_RETRY_BASE_DELAY,default=100ms" validate:"gt=0"`
	StoreRetryMaxDelay     time.Duration `env:"STORE_RETRY_MAX_DELAY,default=500ms" validate:"gtefield=StoreRetryBaseDelay"`
	DeliveryRetryBaseDelay time.Duration `env:"DELIVERY_RETRY_BASE_DELAY,default=500ms" validate:"gt=0"`
	DeliveryRetryMaxDelay  time.Duration `env:"DELIVERY_RETRY_MAX_DELAY,default=2s" validate:"gtefield=DeliveryRetryBaseDelay"`
	DeliveryTimeout        time.Duration `env:"DELIVERY_TIMEOUT,default=5s" validate:"gt=0"`
	TurnTimeout            time.Duration `env:"TURN_TIMEOUT,default=20s" validate:"gt=0"`
	FallbackTimeout        time.Duration `env:"FALLBACK_TIMEOUT,default=6s" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Port     int    `env:"PORT,default=8080" validate:"gte=1,lte=65535"`

	// FallbackMessage overrides the apology sent when a turn fails.
	FallbackMessage string `env:"FALLBACK_MESSAGE"`
}

// Load reads the process environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if c.SystemReserve+c.ResponseReserve >= c.ContextBudget {
		return fmt.Errorf("config: invalid: reserves (%d) leave no room in context budget %d",
			c.SystemReserve+c.ResponseReserve, c.ContextBudget)
	}
	return nil
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger returns a JSON logger on stdout.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}
