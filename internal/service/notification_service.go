package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

// Mailer delivers an email request.
type Mailer interface {
	Send(ctx context.Context, email events.SendEmail) error
}

// LogMailer writes email requests to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, email events.SendEmail) error {
	logger.FromContext(ctx, m.logger).Info("email dispatched",
		zap.String("template_id", email.TemplateID),
		zap.Strings("recipients", email.Recipients),
		zap.Any("properties", email.Properties),
	)
	return nil
}

// NotificationService hands email requests to a Mailer.
type NotificationService struct {
	mailer Mailer
	logger *zap.Logger
}

// NewNotificationService constructs the service. A nil mailer logs instead of sending.
func NewNotificationService(mailer Mailer, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}
	return &NotificationService{mailer: mailer, logger: logger}
}

// HandleSendEmail consumes send email messages.
func (s *NotificationService) HandleSendEmail(ctx context.Context, env messaging.Envelope) error {
	msg, ok := env.Payload.(events.SendEmail)
	if !ok {
		return messaging.Poison(errors.New("unexpected payload for email queue: " + env.Type))
	}
	return s.mailer.Send(ctx, msg)
}
