package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

// TemplateDataRequestFulfilled is the email template sent when requested data arrives.
const TemplateDataRequestFulfilled = "DataRequestFulfilled"

type fulfillmentRequestStore interface {
	ListActiveByKey(ctx context.Context, key models.KeyTriple) ([]models.DataRequest, error)
	Update(ctx context.Context, request *models.DataRequest) error
	AppendHistory(ctx context.Context, entry *models.DataRequestHistory) error
}

type fulfillmentSourcingStore interface {
	ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.DataSourcing, error)
	Update(ctx context.Context, sourcing *models.DataSourcing) error
}

// FulfillmentService closes data requests once matching data is stored.
type FulfillmentService struct {
	requests  fulfillmentRequestStore
	sourcings fulfillmentSourcingStore
	tx        transactor
	out       emitter
	relay     relayNotifier
	logger    *zap.Logger
	now       func() time.Time
}

// FulfillmentOption configures the service.
type FulfillmentOption func(*FulfillmentService)

// WithFulfillmentNotifier wakes the outbox relay after each fulfillment.
func WithFulfillmentNotifier(n relayNotifier) FulfillmentOption {
	return func(s *FulfillmentService) {
		s.relay = n
	}
}

// NewFulfillmentService constructs the service.
func NewFulfillmentService(
	requests fulfillmentRequestStore,
	sourcings fulfillmentSourcingStore,
	outbox outboxWriter,
	tx transactor,
	producer messagePreparer,
	logger *zap.Logger,
	opts ...FulfillmentOption,
) *FulfillmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FulfillmentService{
		requests:  requests,
		sourcings: sourcings,
		tx:        tx,
		out:       emitter{producer: producer, outbox: outbox},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// HandleStored consumes item stored messages.
func (s *FulfillmentService) HandleStored(ctx context.Context, env messaging.Envelope) error {
	msg, ok := env.Payload.(events.DataStored)
	if !ok {
		return messaging.Poison(errors.New("unexpected payload for fulfillment queue: " + env.Type))
	}
	_, err := s.OnStored(ctx, msg)
	return err
}

// OnStored marks the sourcing of the key triple Done and every active request
// on it Processed. A redelivery finds nothing left to move.
func (s *FulfillmentService) OnStored(ctx context.Context, msg events.DataStored) (int, error) {
	key := models.KeyTriple{CompanyID: msg.CompanyID, DataType: msg.DataType, ReportingPeriod: msg.ReportingPeriod}
	log := logger.FromContext(ctx, s.logger).With(
		zap.String("submission_id", msg.DataID),
		zap.String("company_id", key.CompanyID),
		zap.String("data_type", key.DataType),
		zap.String("reporting_period", key.ReportingPeriod),
	)

	fulfilled := 0
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		sourcing, err := s.sourcings.ActiveForKey(ctx, key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			sourcing.State = models.SourcingStateDone
			if err := s.sourcings.Update(ctx, sourcing); err != nil {
				return err
			}
		}

		requests, err := s.requests.ListActiveByKey(ctx, key)
		if err != nil {
			return err
		}
		recipients := make(map[string]struct{})
		for i := range requests {
			req := &requests[i]
			req.State = models.RequestStateProcessed
			req.LastModifiedTimestamp = req.NextModified(now)
			if err := s.requests.Update(ctx, req); err != nil {
				return err
			}
			entry := req.HistoryEntry(ActorFulfillment)
			if err := s.requests.AppendHistory(ctx, &entry); err != nil {
				return err
			}
			recipients[req.UserID] = struct{}{}
		}
		fulfilled = len(requests)
		if len(recipients) == 0 {
			return nil
		}
		users := make([]string, 0, len(recipients))
		for id := range recipients {
			users = append(users, id)
		}
		sort.Strings(users)
		return s.out.emit(ctx, events.OpSendEmail, events.TypeSendEmail, events.SendEmail{
			TemplateID: TemplateDataRequestFulfilled,
			Recipients: users,
			Properties: map[string]string{
				"companyId":       key.CompanyID,
				"dataType":        key.DataType,
				"reportingPeriod": key.ReportingPeriod,
				"dataId":          msg.DataID,
			},
		})
	})
	if err != nil {
		return 0, err
	}
	if fulfilled > 0 {
		notify(s.relay)
		log.Info("data requests fulfilled", zap.Int("count", fulfilled))
	} else {
		log.Debug("no active data requests for stored item")
	}
	return fulfilled, nil
}
