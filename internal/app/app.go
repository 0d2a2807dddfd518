// Package app wires configuration, infrastructure and services for the
// api-gateway, pipeline-worker and pipelinectl binaries.
package app

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/repository"
	"github.com/noah-isme/esg-pipeline/internal/service"
	"github.com/noah-isme/esg-pipeline/pkg/cache"
	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/database"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
	"github.com/noah-isme/esg-pipeline/pkg/retry"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

// Services groups the domain services built over one database.
type Services struct {
	Auth          *service.AuthService
	Uploads       *service.UploadService
	Lifecycle     *service.LifecycleService
	QA            *service.QAService
	Commit        *service.StorageCommitService
	Fulfillment   *service.FulfillmentService
	Requests      *service.RequestService
	Sourcings     *service.SourcingService
	DeadLetters   *service.DeadLetterService
	Notifications *service.NotificationService
	Metrics       *service.MetricsService
}

// App holds the process-wide dependencies.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	DB       *sqlx.DB
	Redis    *redis.Client
	Broker   messaging.Broker
	Topology *messaging.Topology
	Codec    *messaging.Codec
	Payloads storage.PayloadStore
	Signer   *storage.SignedURLSigner
	Relay    *service.OutboxRelay
	Services Services

	leases  *cache.LeaseStore
	closers []func() error
}

// New connects to every backing service named by cfg and builds the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config
	validate := validator.New()

	topology, err := events.LoadTopology(cfg.Broker.TopologyFile)
	if err != nil {
		return err
	}
	a.Topology = topology
	a.Codec = events.NewCodec(validate)

	var db *sqlx.DB
	if err := a.connect(ctx, "postgres", func() error {
		var err error
		db, err = database.NewPostgres(cfg.Database)
		return err
	}); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if cfg.Database.AutoMigrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" {
		client, leases, err := cache.NewCommitLeases(ctx, cfg.Redis, "esg:commit")
		if err != nil {
			a.Logger.Warn("redis unavailable, storage commits run without in-flight leases", zap.Error(err))
		} else {
			a.Redis = client
			a.leases = leases
			a.closers = append(a.closers, client.Close)
		}
	}

	var broker messaging.Broker
	if err := a.connect(ctx, "broker", func() error {
		var err error
		broker, err = NewBroker(cfg, a.Logger)
		return err
	}); err != nil {
		return err
	}
	a.Broker = broker
	a.closers = append(a.closers, broker.Close)
	if err := broker.Declare(ctx, topology); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	var payloads storage.PayloadStore
	if err := a.connect(ctx, "payload store", func() error {
		var err error
		payloads, err = NewPayloadStore(ctx, cfg.PayloadStore)
		return err
	}); err != nil {
		return err
	}
	a.Payloads = payloads
	if cfg.PayloadStore.SignedURLSecret != "" {
		a.Signer = storage.NewSignedURLSigner(cfg.PayloadStore.SignedURLSecret, cfg.PayloadStore.SignedURLTTL)
	}

	a.buildServices(validate)
	return nil
}

// connect retries fn with backoff until the dependency answers.
func (a *App) connect(ctx context.Context, name string, fn func() error) error {
	policy := retry.DefaultConfig()
	if a.Config.Pipeline.ConnectAttempts > 0 {
		policy.MaxAttempts = a.Config.Pipeline.ConnectAttempts
	}
	if a.Config.Pipeline.ConnectBackoff > 0 {
		policy.InitialDelay = a.Config.Pipeline.ConnectBackoff
		policy.MaxDelay = 15 * a.Config.Pipeline.ConnectBackoff
	}
	attempt := 0
	return retry.Do(ctx, policy, func() error {
		attempt++
		err := fn()
		if err != nil && !retry.IsNonRetryable(err) {
			a.Logger.Warn("dependency not ready",
				zap.String("dependency", name),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Error(err),
			)
		}
		return err
	})
}

func (a *App) buildServices(validate *validator.Validate) {
	cfg := a.Config
	logger := a.Logger

	tx := repository.NewTxManager(a.DB)
	submissions := repository.NewSubmissionRepository(a.DB)
	reviews := repository.NewQaReviewRepository(a.DB)
	stored := repository.NewStoredDataRepository(a.DB)
	outbox := repository.NewOutboxRepository(a.DB)
	requests := repository.NewDataRequestRepository(a.DB)
	sourcings := repository.NewDataSourcingRepository(a.DB)
	deadLetters := repository.NewDeadLetterRepository(a.DB)
	producer := messaging.NewProducer(a.Codec, a.Topology)

	metrics := service.NewMetricsService()
	a.Relay = service.NewOutboxRelay(outbox, a.Broker, service.OutboxRelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		ClaimTTL:     cfg.Outbox.ClaimTTL,
	}, logger.Named("outbox"), service.WithOutboxMetrics(metrics))

	lifecycle := service.NewLifecycleService(submissions, reviews, outbox, tx, producer, logger.Named("lifecycle"),
		service.WithLifecycleNotifier(a.Relay))

	var qaOpts []service.QAServiceOption
	if a.Signer != nil {
		qaOpts = append(qaOpts, service.WithPayloadLinks(a.Signer, cfg.APIPrefix))
	}
	commitOpts := []service.StorageCommitOption{service.WithCommitNotifier(a.Relay)}
	if a.leases != nil {
		commitOpts = append(commitOpts, service.WithCommitLeases(a.leases, cfg.Pipeline.InflightLeaseTTL))
	}

	a.Services = Services{
		Auth: service.NewAuthService(service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			AccessTokenExpiry: cfg.JWT.TokenTTL,
			Issuer:            cfg.JWT.Issuer,
		}),
		Uploads: service.NewUploadService(submissions, outbox, tx, a.Payloads, producer, validate, logger.Named("upload"),
			service.WithUploadNotifier(a.Relay)),
		Lifecycle: lifecycle,
		QA:        service.NewQAService(submissions, reviews, lifecycle, validate, logger.Named("qa"), qaOpts...),
		Commit: service.NewStorageCommitService(submissions, stored, a.Payloads, outbox, tx, producer, logger.Named("commit"),
			commitOpts...),
		Fulfillment: service.NewFulfillmentService(requests, sourcings, outbox, tx, producer, logger.Named("fulfillment"),
			service.WithFulfillmentNotifier(a.Relay)),
		Requests:      service.NewRequestService(requests, sourcings, service.NewExportService(logger, nil, nil), tx, validate, logger.Named("requests")),
		Sourcings:     service.NewSourcingService(sourcings, requests, tx, validate, logger.Named("sourcing")),
		DeadLetters:   service.NewDeadLetterService(deadLetters, outbox, tx, a.Relay, logger.Named("dead_letters")),
		Notifications: service.NewNotificationService(nil, logger.Named("email")),
		Metrics:       metrics,
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
