package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Enochthedev/ProjectHub-backend-sub002/internal/server"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/config"
	"github.com/Enochthedev/ProjectHub-backend-sub002/pkg/logging"
)

func main() {
	logger := logging.New(logging.Level(os.Getenv("PROJECTHUB_LOG_LEVEL")))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
