package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/edouardg/marktmonitor/internal/app"
	"github.com/edouardg/marktmonitor/internal/config"
	"github.com/edouardg/marktmonitor/internal/logger"
)

const defaultConfigPath = "config.yml"

// bootstrap loads config, builds the logger, and wires the app.
func bootstrap(ctx context.Context) (*app.App, logger.Logger) {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	a, err := app.New(ctx, cfg, appLog)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	return a, appLog
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return defaultConfigPath
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMonitor() {
	ctx, stop := signalContext()
	defer stop()

	a, appLog := bootstrap(ctx)
	defer a.Close()
	defer func() { _ = appLog.Sync() }()

	if err := a.RunMonitor(ctx); err != nil {
		log.Fatalf("Monitor stopped with error: %v", err)
	}
}

func runBoth() {
	ctx, stop := signalContext()
	defer stop()

	a, appLog := bootstrap(ctx)
	defer a.Close()
	defer func() { _ = appLog.Sync() }()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Service stopped with error: %v", err)
	}
}
