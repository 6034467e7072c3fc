package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"annopipe/internal/app"
	"annopipe/internal/config"
	"annopipe/internal/core"
	"annopipe/internal/logger"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	deps, err := app.Bootstrap(cfg)
	if err != nil {
		slog.Error("failed to bootstrap", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	a := app.New(cfg, deps.DB, deps.Broker, log)

	responses, err := core.NewResponseConsumer(deps.Broker, cfg.ResponseQueue, a.Core)
	if err != nil {
		slog.Error("failed to set up response consumer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := responses.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("response consumer stopped", "error", err)
			stop()
		}
	}()

	if err := a.Run(ctx, cfg.ServerPort); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
