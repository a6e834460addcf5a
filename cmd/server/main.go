package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"devicefarm/internal/config"
	"devicefarm/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := server.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := server.InitDeps(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialise dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	logger.Info("Starting device farm",
		"farm_mode", cfg.Farm.Mode,
		"mock", cfg.Farm.IsMock,
		"max_devices", cfg.Farm.MaxDevicesAmount,
	)

	srv := server.NewServer(cfg, deps)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
