package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/app"
	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
)

// @title ESG Pipeline API
// @version 1.0.0
// @description Upload, QA review, storage and data request endpoints of the ESG data pipeline
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg, "api-gateway")
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

	go application.Relay.Run(ctx)

	if cfg.Pipeline.WorkersInProcess {
		stopWorkers, err := application.StartWorkers(ctx)
		if err != nil {
			logr.Fatal("failed to start consumers", zap.Error(err))
		}
		defer stopWorkers()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "workers_in_process", cfg.Pipeline.WorkersInProcess)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Sugar().Errorw("server failed", "error", err)
	}
	logr.Info("server stopped")
}
