package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/pkg/retry"
)

// Consumer outcomes reported to the Observer.
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeFailed       = "failed"
)

// Handler processes a decoded envelope. Returning nil acknowledges it.
type Handler func(ctx context.Context, env Envelope) error

// RawHandler processes a delivery body without decoding it.
type RawHandler func(ctx context.Context, d Delivery) error

// Observer receives per-delivery outcomes, typically for metrics.
type Observer interface {
	ObserveDelivery(queue, outcome string, duration time.Duration)
}

// RunnerConfig bounds handler execution.
type RunnerConfig struct {
	MaxAttempts    int
	HandlerTimeout time.Duration
	Concurrency    int
	Backoff        retry.Config
}

// Runner subscribes handlers to queues and settles every delivery: success
// acks, poison and exhausted deliveries go to the queue's dead-letter
// exchange, anything else is redelivered after an exponential backoff.
type Runner struct {
	broker   Broker
	codec    *Codec
	topology *Topology
	cfg      RunnerConfig
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver reports outcomes to o.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// NewRunner builds a runner.
func NewRunner(broker Broker, codec *Codec, topology *Topology, cfg RunnerConfig, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	r := &Runner{
		broker:   broker,
		codec:    codec,
		topology: topology,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start subscribes handler to queue. Envelopes that fail to decode are dead-lettered.
func (r *Runner) Start(ctx context.Context, queue string, handler Handler) (Subscription, error) {
	return r.StartRaw(ctx, queue, func(ctx context.Context, d Delivery) error {
		env, err := r.codec.Decode(d.Body())
		if err != nil {
			return err
		}
		ctx = WithCorrelationID(ctx, env.CorrelationID)
		return handler(ctx, env)
	})
}

// StartRaw subscribes a handler that receives undecoded deliveries.
func (r *Runner) StartRaw(ctx context.Context, queue string, handler RawHandler) (Subscription, error) {
	if len(r.topology.QueueBindings(queue)) == 0 {
		return nil, fmt.Errorf("runner: queue %s not in topology", queue)
	}
	return r.broker.Subscribe(ctx, queue, SubscribeOptions{Concurrency: r.cfg.Concurrency}, func(ctx context.Context, d Delivery) {
		r.handle(ctx, queue, d, handler)
	})
}

func (r *Runner) handle(ctx context.Context, queue string, d Delivery, handler RawHandler) {
	start := time.Now()
	attempt := d.Attempt()
	log := r.logger.With(
		zap.String("queue", queue),
		zap.String("routing_key", d.RoutingKey()),
		zap.Int("attempt", attempt),
	)

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	err := safeCall(hctx, d, handler)
	cancel()

	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
		r.observe(queue, OutcomeAcked, start)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("handler timed out after %s: %w", r.cfg.HandlerTimeout, err)
	}
	if ctx.Err() != nil {
		// Shutting down: let the broker redeliver to another consumer.
		_ = d.Nak(0)
		r.observe(queue, OutcomeRetried, start)
		return
	}

	terminal := IsPoison(err) || retry.IsNonRetryable(err) || attempt >= r.cfg.MaxAttempts
	if !terminal {
		delay := r.cfg.Backoff.Backoff(attempt)
		log.Warn("handler failed, redelivering", zap.Error(err), zap.Duration("delay", delay))
		if nakErr := d.Nak(delay); nakErr != nil {
			log.Error("nak failed", zap.Error(nakErr))
		}
		r.observe(queue, OutcomeRetried, start)
		return
	}

	if dlErr := r.deadLetter(ctx, queue, d, err); dlErr != nil {
		log.Error("dead-letter publish failed, redelivering", zap.Error(dlErr), zap.NamedError("cause", err))
		_ = d.Nak(r.cfg.Backoff.Backoff(attempt))
		r.observe(queue, OutcomeFailed, start)
		return
	}
	log.Error("message dead-lettered", zap.Error(err))
	if termErr := d.Term(); termErr != nil {
		log.Warn("term failed", zap.Error(termErr))
	}
	r.observe(queue, OutcomeDeadLettered, start)
}

func (r *Runner) deadLetter(ctx context.Context, queue string, d Delivery, cause error) error {
	dlx, ok := r.topology.DeadLetterExchange(queue)
	if !ok {
		return fmt.Errorf("queue %s has no dead-letter exchange", queue)
	}
	headers := d.Headers()
	if headers == nil {
		headers = make(map[string]string)
	}
	headers[HeaderOriginalExchange] = d.Exchange()
	headers[HeaderOriginalRoutingKey] = d.RoutingKey()
	headers[HeaderQueue] = queue
	headers[HeaderError] = cause.Error()
	headers[HeaderAttempts] = strconv.Itoa(d.Attempt())
	headers[HeaderDeadLetteredAt] = r.now().Format(time.RFC3339Nano)
	delete(headers, HeaderMessageID)
	return r.broker.Publish(ctx, Message{
		Exchange:   dlx,
		RoutingKey: queue,
		Body:       d.Body(),
		Headers:    headers,
	})
}

func (r *Runner) observe(queue, outcome string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveDelivery(queue, outcome, time.Since(start))
	}
}

func safeCall(ctx context.Context, d Delivery, handler RawHandler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, d)
}
