package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
	"github.com/noah-isme/esg-pipeline/pkg/retry"
)

// Consumers maps every pipeline queue to the service handler that drains it.
func (a *App) Consumers() map[string]messaging.Handler {
	s := a.Services
	return map[string]messaging.Handler{
		events.QueueQaUploadedData:         s.QA.HandleUpload,
		events.QueueQaDeleteDatasets:       s.QA.HandleDeletion,
		events.QueueStoreDatasets:          s.Commit.HandleStoreRequest,
		events.QueueDeleteDatasets:         s.Commit.HandleDeletion,
		events.QueueUpdateQaStatus:         s.Lifecycle.HandleVerdict,
		events.QueueDataRequestFulfillment: s.Fulfillment.HandleStored,
		events.QueueSendEmail:              s.Notifications.HandleSendEmail,
	}
}

// StartWorkers subscribes every consumer plus the dead-letter archive. The
// returned stop function unsubscribes all of them.
func (a *App) StartWorkers(ctx context.Context) (func(), error) {
	cfg := a.Config.Consumer
	runner := messaging.NewRunner(a.Broker, a.Codec, a.Topology, messaging.RunnerConfig{
		MaxAttempts:    cfg.MaxAttempts,
		HandlerTimeout: cfg.HandlerTimeout,
		Concurrency:    cfg.Concurrency,
		Backoff: retry.Config{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.InitialBackoff,
			MaxDelay:     cfg.MaxBackoff,
			Multiplier:   2,
			AddJitter:    true,
		},
	}, a.Logger.Named("consumer"), messaging.WithObserver(a.Services.Metrics))

	var subs []messaging.Subscription
	stop := func() {
		for _, sub := range subs {
			sub.Stop()
		}
	}

	for queue, handle := range a.Consumers() {
		sub, err := runner.Start(ctx, queue, handle)
		if err != nil {
			stop()
			return nil, fmt.Errorf("start consumer %s: %w", queue, err)
		}
		subs = append(subs, sub)
	}
	sub, err := runner.StartRaw(ctx, events.QueueDeadLetterArchive, a.Services.DeadLetters.Archive)
	if err != nil {
		stop()
		return nil, fmt.Errorf("start consumer %s: %w", events.QueueDeadLetterArchive, err)
	}
	subs = append(subs, sub)

	a.Logger.Info("pipeline consumers started", zap.Int("queues", len(subs)))
	return stop, nil
}
