package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

type uploadSubmissionStore interface {
	Create(ctx context.Context, submission *models.Submission) error
}

// UploadService accepts new datasets and data points into the pipeline.
type UploadService struct {
	submissions uploadSubmissionStore
	payloads    storage.PayloadStore
	tx          transactor
	out         emitter
	relay       relayNotifier
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// UploadServiceOption configures the service.
type UploadServiceOption func(*UploadService)

// WithUploadNotifier wakes the outbox relay after each committed upload.
func WithUploadNotifier(n relayNotifier) UploadServiceOption {
	return func(s *UploadService) {
		s.relay = n
	}
}

// NewUploadService constructs the service.
func NewUploadService(
	submissions uploadSubmissionStore,
	outbox outboxWriter,
	tx transactor,
	payloads storage.PayloadStore,
	producer messagePreparer,
	validate *validator.Validate,
	logger *zap.Logger,
	opts ...UploadServiceOption,
) *UploadService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &UploadService{
		submissions: submissions,
		payloads:    payloads,
		tx:          tx,
		out:         emitter{producer: producer, outbox: outbox},
		validator:   validate,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit stores the payload, records the submission and stages the upload
// message in one transaction. Nothing is published before the commit.
func (s *UploadService) Submit(ctx context.Context, req dto.UploadRequest, uploaderID string) (*models.Submission, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid upload payload")
	}
	if req.Kind != models.SubmissionKindDataset && req.Kind != models.SubmissionKindDataPoint {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported submission kind")
	}
	if !json.Valid(req.Data) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "data must be valid JSON")
	}
	if strings.TrimSpace(uploaderID) == "" {
		return nil, appErrors.ErrUnauthorized
	}
	initialQa, err := s.initialQa(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	submission := &models.Submission{
		ID:              uuid.NewString(),
		Kind:            req.Kind,
		CompanyID:       strings.TrimSpace(req.CompanyID),
		CompanyName:     strings.TrimSpace(req.CompanyName),
		DataType:        strings.TrimSpace(req.DataType),
		ReportingPeriod: strings.TrimSpace(req.ReportingPeriod),
		UploaderID:      uploaderID,
		UploadTimestamp: now,
		BypassQa:        req.BypassQa,
		Private:         req.Private,
		State:           models.SubmissionStatePendingQa,
		QaStatus:        models.QaStatusPending,
	}
	if req.BypassQa {
		reviewer := models.ReviewerBypass
		submission.State = models.SubmissionStateAccepted
		submission.QaStatus = models.QaStatusAccepted
		submission.ReviewedBy = &reviewer
	}
	submission.PayloadRef = storage.PayloadKey(submission.ID)

	log := logger.FromContext(ctx, s.logger).With(
		zap.String("submission_id", submission.ID),
		zap.String("kind", string(submission.Kind)),
	)

	// An orphaned object from a failed transaction is never referenced.
	if err := s.payloads.Put(ctx, submission.PayloadRef, req.Data); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to store payload")
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.submissions.Create(ctx, submission); err != nil {
			return err
		}
		return s.emitUpload(ctx, submission, initialQa)
	})
	if err != nil {
		return nil, internalError(err, "failed to record upload")
	}
	notify(s.relay)
	log.Info("submission received", zap.String("state", string(submission.State)), zap.Bool("bypass_qa", submission.BypassQa))
	return submission, nil
}

func (s *UploadService) emitUpload(ctx context.Context, sub *models.Submission, initialQa events.InitialQa) error {
	if sub.Kind == models.SubmissionKindDataset {
		return s.out.emit(ctx, events.OpDatasetUpload, events.TypeDatasetUploaded, events.DatasetUploaded{
			DataID:          sub.ID,
			CompanyID:       sub.CompanyID,
			CompanyName:     sub.CompanyName,
			DataType:        sub.DataType,
			ReportingPeriod: sub.ReportingPeriod,
			UploadTime:      sub.UploadTimestamp,
			UploaderUserID:  sub.UploaderID,
			BypassQa:        sub.BypassQa,
			Private:         sub.Private,
		})
	}
	return s.out.emit(ctx, events.OpDataPointUpload, events.TypeDataPointUploaded, events.DataPointUploaded{
		DataPointID:     sub.ID,
		CompanyID:       sub.CompanyID,
		CompanyName:     sub.CompanyName,
		DataPointType:   sub.DataType,
		ReportingPeriod: sub.ReportingPeriod,
		UploadTime:      sub.UploadTimestamp,
		UploaderUserID:  sub.UploaderID,
		BypassQa:        sub.BypassQa,
		InitialQa:       initialQa,
	})
}

func (s *UploadService) initialQa(req dto.UploadRequest) (events.InitialQa, error) {
	if req.Kind != models.SubmissionKindDataPoint {
		if req.InitialQa != nil {
			return events.InitialQa{}, appErrors.Clone(appErrors.ErrValidation, "initialQa is only supported for data points")
		}
		return events.InitialQa{}, nil
	}
	preset := events.InitialQa{Kind: events.InitialQaPreset, Preset: &events.PresetQa{QaStatus: string(models.QaStatusPending)}}
	if req.InitialQa == nil {
		return preset, nil
	}
	switch events.InitialQaKind(req.InitialQa.Kind) {
	case "", events.InitialQaPreset:
		if req.InitialQa.QaStatus != "" {
			preset.Preset.QaStatus = req.InitialQa.QaStatus
		}
		preset.Preset.Comment = strings.TrimSpace(req.InitialQa.Comment)
		return preset, nil
	case events.InitialQaCopyFromDataset:
		return events.InitialQa{
			Kind:            events.InitialQaCopyFromDataset,
			CopyFromDataset: &events.CopyFromDatasetQa{DatasetID: req.InitialQa.DatasetID},
		}, nil
	}
	return events.InitialQa{}, appErrors.Clone(appErrors.ErrValidation, "unsupported initialQa kind")
}
