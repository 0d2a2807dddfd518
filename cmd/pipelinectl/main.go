package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/app"
	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pipelinectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operator CLI for the ESG data pipeline",
		Long: `pipelinectl inspects and repairs the pipeline: it prints or declares the broker
topology, lists and replays dead-lettered messages, drains the outbox and mints
access tokens for operators.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newTopologyCmd(),
		newDeadLettersCmd(),
		newOutboxCmd(),
		newTokenCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg, "pipelinectl")
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logr, nil
}

// withApp runs fn against a fully connected application.
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, logr, err := loadConfig()
	if err != nil {
		return err
	}
	defer logr.Sync() //nolint:errcheck

	application, err := app.New(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer application.Close() //nolint:errcheck
	return fn(application)
}
