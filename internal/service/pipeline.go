package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

// Actor identities recorded for automatic changes.
const (
	ActorFulfillment = "system:fulfillment"
	ActorSourcing    = "system:sourcing"
)

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type outboxWriter interface {
	Add(ctx context.Context, msg *models.OutboxMessage) error
}

type messagePreparer interface {
	Prepare(ctx context.Context, operation, msgType string, payload interface{}) (messaging.Outgoing, error)
}

type relayNotifier interface {
	Notify()
}

// emitter stages outgoing messages in the outbox of the caller's transaction.
type emitter struct {
	producer messagePreparer
	outbox   outboxWriter
}

func (e emitter) emit(ctx context.Context, operation, msgType string, payload interface{}) error {
	out, err := e.producer.Prepare(ctx, operation, msgType, payload)
	if err != nil {
		return err
	}
	return e.outbox.Add(ctx, &models.OutboxMessage{
		Operation:     out.Operation,
		MessageType:   out.Type,
		CorrelationID: out.CorrelationID,
		Exchange:      out.Exchange,
		RoutingKey:    out.RoutingKey,
		Body:          out.Body,
	})
}

func notify(n relayNotifier) {
	if n != nil {
		n.Notify()
	}
}

func internalError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func notFoundOr(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.ErrNotFound
	}
	return internalError(err, message)
}

func optionalString(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
