package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/pkg/config"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
	"github.com/noah-isme/esg-pipeline/pkg/retry"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

// NewBroker returns the broker selected by BROKER_DRIVER.
func NewBroker(cfg *config.Config, logger *zap.Logger) (messaging.Broker, error) {
	switch cfg.Broker.Driver {
	case config.BrokerDriverMemory:
		return messaging.NewMemoryBroker(cfg.Broker.MemoryBuffer, logger.Named("broker")), nil
	case config.BrokerDriverNATS, "":
		broker, err := messaging.DialNATS(messaging.NATSOptions{
			URL:        cfg.Broker.NATSURL,
			ClientName: cfg.Broker.ClientName,
			AckWait:    2 * cfg.Consumer.HandlerTimeout,
			Logger:     logger.Named("broker"),
		})
		if err != nil {
			return nil, err
		}
		return broker, nil
	default:
		return nil, retry.NonRetryable(fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver))
	}
}

// NewPayloadStore returns the payload store selected by PAYLOAD_STORE.
func NewPayloadStore(ctx context.Context, cfg config.PayloadStoreConfig) (storage.PayloadStore, error) {
	switch cfg.Driver {
	case config.PayloadStoreMinIO:
		store, err := storage.NewMinIOStore(storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			Region:    cfg.MinIORegion,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.PayloadStoreFilesystem, "":
		return storage.NewFileStore(cfg.Dir)
	default:
		return nil, retry.NonRetryable(fmt.Errorf("unsupported payload store %q", cfg.Driver))
	}
}
