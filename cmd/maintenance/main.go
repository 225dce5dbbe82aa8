// Command maintenance is the scheduled Lambda that drains the queue and
// sweeps expired rows.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"zela-agent/handler"
	"zela-agent/internal/app"
	"zela-agent/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	svc, err := app.NewLambdaService(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to create process service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc,
		handler.WithMaintenanceBatch(cfg.Pipeline.MaintenanceBatch),
		handler.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.HandleScheduled)
}
