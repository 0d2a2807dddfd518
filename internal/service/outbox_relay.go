package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

type outboxStore interface {
	Claim(ctx context.Context, limit int, ttl time.Duration) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, cause string) error
	CountPending(ctx context.Context) (int, error)
}

type outboxMetrics interface {
	ObserveOutboxPublished(count int)
	SetOutboxBacklog(count int)
}

// OutboxRelayConfig tunes polling.
type OutboxRelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimTTL     time.Duration
}

// OutboxRelay publishes committed outbox rows to the broker.
type OutboxRelay struct {
	store     outboxStore
	publisher messaging.Publisher
	cfg       OutboxRelayConfig
	metrics   outboxMetrics
	logger    *zap.Logger
	wake      chan struct{}
	now       func() time.Time
}

// OutboxRelayOption configures the relay.
type OutboxRelayOption func(*OutboxRelay)

// WithOutboxMetrics reports publish counts and backlog.
func WithOutboxMetrics(m outboxMetrics) OutboxRelayOption {
	return func(r *OutboxRelay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewOutboxRelay constructs the relay.
func NewOutboxRelay(store outboxStore, publisher messaging.Publisher, cfg OutboxRelayConfig, logger *zap.Logger, opts ...OutboxRelayOption) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	r := &OutboxRelay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Notify asks the relay to poll now. It never blocks.
func (r *OutboxRelay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush publishes claimable rows until a short batch is returned.
// Rows whose publish fails are released for the next poll.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	published := 0
	defer r.reportBacklog(ctx)
	for {
		batch, err := r.store.Claim(ctx, r.cfg.BatchSize, r.cfg.ClaimTTL)
		if err != nil {
			return published, err
		}
		failed := 0
		for _, row := range batch {
			if err := r.publish(ctx, row); err != nil {
				failed++
				continue
			}
			published++
		}
		if len(batch) < r.cfg.BatchSize || failed > 0 || ctx.Err() != nil {
			return published, ctx.Err()
		}
	}
}

func (r *OutboxRelay) publish(ctx context.Context, row models.OutboxMessage) error {
	log := r.logger.With(
		zap.String("outbox_id", row.ID),
		zap.String("operation", row.Operation),
		zap.String("correlation_id", row.CorrelationID),
	)
	msg := messaging.Message{
		Exchange:   row.Exchange,
		RoutingKey: row.RoutingKey,
		Queue:      row.TargetQueue,
		Body:       row.Body,
		Headers:    map[string]string{messaging.HeaderMessageID: row.ID},
	}
	if err := r.publisher.Publish(ctx, msg); err != nil {
		log.Warn("outbox publish failed", zap.Error(err), zap.Int("attempts", row.Attempts+1))
		if markErr := r.store.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			log.Error("failed to release outbox row", zap.Error(markErr))
		}
		return err
	}
	if err := r.store.MarkPublished(ctx, row.ID, r.now()); err != nil {
		// The row is republished after its claim expires; consumers are idempotent.
		log.Error("failed to mark outbox row published", zap.Error(err))
		return err
	}
	if r.metrics != nil {
		r.metrics.ObserveOutboxPublished(1)
	}
	log.Debug("outbox message published", zap.String("type", row.MessageType))
	return nil
}

func (r *OutboxRelay) reportBacklog(ctx context.Context) {
	if r.metrics == nil || ctx.Err() != nil {
		return
	}
	pending, err := r.store.CountPending(ctx)
	if err != nil {
		r.logger.Debug("count outbox backlog failed", zap.Error(err))
		return
	}
	r.metrics.SetOutboxBacklog(pending)
}
