package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"whatsapp-agent/internal/app"
	"whatsapp-agent/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	log := config.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, awsCfg, log)
	if err != nil {
		log.Error("failed to build application", "err", err)
		os.Exit(1)
	}
	a.Warm(ctx, log)

	lambda.Start(a.Handler.Handle)
}
