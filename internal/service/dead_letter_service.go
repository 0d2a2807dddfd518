package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

type deadLetterStore interface {
	Insert(ctx context.Context, letter *models.DeadLetter) (bool, error)
	GetByID(ctx context.Context, id string) (*models.DeadLetter, error)
	List(ctx context.Context, filter models.DeadLetterFilter) ([]models.DeadLetter, int, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// DeadLetterService archives dead-lettered deliveries and replays them on demand.
type DeadLetterService struct {
	letters deadLetterStore
	outbox  outboxWriter
	tx      transactor
	relay   relayNotifier
	logger  *zap.Logger
	now     func() time.Time
}

// NewDeadLetterService constructs the service. relay may be nil.
func NewDeadLetterService(letters deadLetterStore, outbox outboxWriter, tx transactor, relay relayNotifier, logger *zap.Logger) *DeadLetterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetterService{
		letters: letters,
		outbox:  outbox,
		tx:      tx,
		relay:   relay,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Archive stores a dead-lettered delivery. The id is derived from the delivery
// so a redelivered copy is stored once.
func (s *DeadLetterService) Archive(ctx context.Context, d messaging.Delivery) error {
	headers := d.Headers()
	letter := &models.DeadLetter{
		Queue:              headers[messaging.HeaderQueue],
		OriginalExchange:   headers[messaging.HeaderOriginalExchange],
		OriginalRoutingKey: headers[messaging.HeaderOriginalRoutingKey],
		Body:               d.Body(),
		Error:              headers[messaging.HeaderError],
		DeadLetteredAt:     s.now(),
	}
	if letter.OriginalExchange == "" {
		letter.OriginalExchange = d.Exchange()
	}
	if letter.OriginalRoutingKey == "" {
		letter.OriginalRoutingKey = d.RoutingKey()
	}
	if attempts, err := strconv.Atoi(headers[messaging.HeaderAttempts]); err == nil {
		letter.Attempts = attempts
	}
	if at, err := time.Parse(time.RFC3339Nano, headers[messaging.HeaderDeadLetteredAt]); err == nil {
		letter.DeadLetteredAt = at.UTC()
	}
	msgType, correlationID := peekEnvelope(letter.Body)
	letter.MessageType = optionalString(msgType)
	letter.CorrelationID = optionalString(correlationID)
	letter.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join([]string{
		letter.Queue,
		headers[messaging.HeaderDeadLetteredAt],
		string(letter.Body),
	}, "|"))).String()

	inserted, err := s.letters.Insert(ctx, letter)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, s.logger).With(
		zap.String("dead_letter_id", letter.ID),
		zap.String("queue", letter.Queue),
		zap.String("type", msgType),
	)
	if !inserted {
		log.Debug("dead letter already archived")
		return nil
	}
	log.Warn("dead letter archived", zap.String("error", letter.Error), zap.Int("attempts", letter.Attempts))
	return nil
}

// List returns archived dead letters, newest first.
func (s *DeadLetterService) List(ctx context.Context, query dto.DeadLetterQuery) ([]models.DeadLetter, *models.Pagination, error) {
	filter := models.DeadLetterFilter{
		Queue:       strings.TrimSpace(query.Queue),
		NotReplayed: query.NotReplayed,
		Page:        query.Page,
		PageSize:    query.PageSize,
	}
	letters, total, err := s.letters.List(ctx, filter)
	if err != nil {
		return nil, nil, internalError(err, "failed to list dead letters")
	}
	return letters, pagination(filter.Page, filter.PageSize, total), nil
}

// Replay republishes a dead letter through the outbox to the queue that failed it,
// addressed by its original exchange and routing key.
func (s *DeadLetterService) Replay(ctx context.Context, id, actorID string) (*dto.ReplayResponse, error) {
	var resp *dto.ReplayResponse
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		letter, err := s.letters.GetByID(ctx, id)
		if err != nil {
			return notFoundOr(err, "failed to load dead letter")
		}
		if letter.OriginalExchange == "" {
			return appErrors.Clone(appErrors.ErrValidation, "dead letter has no original exchange")
		}
		msg := &models.OutboxMessage{
			Operation:   "replay",
			MessageType: derefString(letter.MessageType),
			Exchange:    letter.OriginalExchange,
			RoutingKey:  letter.OriginalRoutingKey,
			TargetQueue: letter.Queue,
			Body:        letter.Body,
		}
		msg.CorrelationID = derefString(letter.CorrelationID)
		if err := s.outbox.Add(ctx, msg); err != nil {
			return err
		}
		if err := s.letters.MarkReplayed(ctx, id, s.now()); err != nil {
			return notFoundOr(err, "failed to mark dead letter replayed")
		}
		resp = &dto.ReplayResponse{DeadLetterID: id, OutboxMessageID: msg.ID, ReplayCount: letter.ReplayCount + 1}
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to replay dead letter")
	}
	notify(s.relay)
	logger.FromContext(ctx, s.logger).Info("dead letter replayed",
		zap.String("dead_letter_id", id), zap.String("actor_id", actorID), zap.Int("replay_count", resp.ReplayCount))
	return resp, nil
}

func peekEnvelope(body []byte) (string, string) {
	var head struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", ""
	}
	return head.Type, head.CorrelationID
}
