package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/app"
	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "pipeline-worker")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to init application", zap.Error(err))
	}
	defer application.Close() //nolint:errcheck

	stopWorkers, err := application.StartWorkers(ctx)
	if err != nil {
		logr.Fatal("failed to start consumers", zap.Error(err))
	}
	defer stopWorkers()

	logr.Info("worker running", zap.String("broker", cfg.Broker.Driver))
	application.Relay.Run(ctx)
	logr.Info("worker stopped")
}
