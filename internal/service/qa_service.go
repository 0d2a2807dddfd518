package service

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/internal/repository"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

type qaSubmissionReader interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
}

type qaQueueStore interface {
	Enqueue(ctx context.Context, item *models.QaReviewItem) (bool, error)
	RecordArchived(ctx context.Context, item *models.QaReviewItem) error
	Resolve(ctx context.Context, params repository.ResolveParams) (bool, error)
	List(ctx context.Context, filter models.QaQueueFilter, after *models.QaQueueCursor, limit int) ([]models.QaReviewItem, error)
	Count(ctx context.Context, filter models.QaQueueFilter) (int, error)
}

type verdictApplier interface {
	ApplyVerdict(ctx context.Context, in VerdictInput) (*models.Submission, error)
}

type payloadLinkSigner interface {
	Generate(submissionID, key string) (string, time.Time, error)
}

// QAService runs the review queue: intake of uploads, reviewer listing and verdicts.
type QAService struct {
	submissions qaSubmissionReader
	queue       qaQueueStore
	verdicts    verdictApplier
	signer      payloadLinkSigner
	validator   *validator.Validate
	logger      *zap.Logger
	linkPrefix  string
	now         func() time.Time
}

// QAServiceOption configures the service.
type QAServiceOption func(*QAService)

// WithPayloadLinks decorates queue items with signed download links under prefix.
func WithPayloadLinks(signer payloadLinkSigner, prefix string) QAServiceOption {
	return func(s *QAService) {
		s.signer = signer
		s.linkPrefix = prefix
	}
}

// NewQAService constructs the service.
func NewQAService(submissions qaSubmissionReader, queue qaQueueStore, verdicts verdictApplier, validate *validator.Validate, logger *zap.Logger, opts ...QAServiceOption) *QAService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &QAService{
		submissions: submissions,
		queue:       queue,
		verdicts:    verdicts,
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

// ListQueue returns one keyset page of review items.
func (s *QAService) ListQueue(ctx context.Context, query dto.QaQueueQuery) (*dto.QaQueueResponse, error) {
	filter := models.QaQueueFilter{
		CompanyIDs:       query.CompanyIDs,
		DataTypes:        query.DataTypes,
		ReportingPeriods: query.ReportingPeriods,
	}
	for _, raw := range query.QaStatuses {
		status := models.ReviewItemStatus(raw)
		switch status {
		case models.ReviewItemPending, models.ReviewItemAccepted, models.ReviewItemRejected, models.ReviewItemWithdrawn:
			filter.Statuses = append(filter.Statuses, status)
		default:
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported qaStatus %q", raw))
		}
	}
	if len(filter.Statuses) == 0 {
		filter.Statuses = []models.ReviewItemStatus{models.ReviewItemPending}
	}
	after, err := DecodeQueueCursor(query.Cursor)
	if err != nil {
		return nil, err
	}
	limit := query.ChunkSize
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	items, err := s.queue.List(ctx, filter, after, limit)
	if err != nil {
		return nil, internalError(err, "failed to list review queue")
	}
	total, err := s.queue.Count(ctx, filter)
	if err != nil {
		return nil, internalError(err, "failed to count review queue")
	}

	resp := &dto.QaQueueResponse{Items: make([]dto.QaQueueItem, 0, len(items)), TotalCount: total}
	for _, item := range items {
		resp.Items = append(resp.Items, s.decorate(item))
	}
	if len(items) == limit {
		last := items[len(items)-1]
		resp.NextCursor = EncodeQueueCursor(models.QaQueueCursor{
			EnqueueTimestamp: last.EnqueueTimestamp,
			CompanyID:        last.CompanyID,
			SubmissionID:     last.SubmissionID,
		})
	}
	return resp, nil
}

func (s *QAService) decorate(item models.QaReviewItem) dto.QaQueueItem {
	out := dto.QaQueueItem{QaReviewItem: item}
	if s.signer == nil {
		return out
	}
	token, expiresAt, err := s.signer.Generate(item.SubmissionID, storage.PayloadKey(item.SubmissionID))
	if err != nil {
		s.logger.Warn("failed to sign payload link", zap.String("submission_id", item.SubmissionID), zap.Error(err))
		return out
	}
	out.PayloadURL = s.linkPrefix + "/payloads/" + token
	out.PayloadExpiresAt = &expiresAt
	return out
}

// RecordVerdict applies a reviewer's decision.
func (s *QAService) RecordVerdict(ctx context.Context, submissionID string, req dto.VerdictRequest, reviewerID string) (*models.Submission, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verdict payload")
	}
	return s.verdicts.ApplyVerdict(ctx, VerdictInput{
		SubmissionID: submissionID,
		Verdict:      models.QaStatus(req.Verdict),
		Comment:      req.Comment,
		ReviewerID:   reviewerID,
	})
}

// HandleUpload consumes upload messages and seeds the review of the submission.
func (s *QAService) HandleUpload(ctx context.Context, env messaging.Envelope) error {
	switch msg := env.Payload.(type) {
	case events.DatasetUploaded:
		return s.intakeDataset(ctx, msg)
	case events.DataPointUploaded:
		return s.intakeDataPoint(ctx, msg)
	}
	return messaging.Poison(errors.New("unexpected payload for upload queue: " + env.Type))
}

func (s *QAService) intakeDataset(ctx context.Context, msg events.DatasetUploaded) error {
	if msg.BypassQa {
		return s.recordBypass(ctx, msg.DataID, msg.CompanyID, msg.CompanyName, msg.DataType, msg.ReportingPeriod)
	}
	return s.enqueue(ctx, msg.DataID)
}

func (s *QAService) intakeDataPoint(ctx context.Context, msg events.DataPointUploaded) error {
	if msg.BypassQa {
		return s.recordBypass(ctx, msg.DataPointID, msg.CompanyID, msg.CompanyName, msg.DataPointType, msg.ReportingPeriod)
	}
	log := logger.FromContext(ctx, s.logger).With(zap.String("submission_id", msg.DataPointID))
	switch msg.InitialQa.Kind {
	case events.InitialQaPreset:
		status := models.QaStatus(msg.InitialQa.Preset.QaStatus)
		if status == models.QaStatusPending {
			return s.enqueue(ctx, msg.DataPointID)
		}
		return s.autoVerdict(ctx, msg.DataPointID, status, msg.InitialQa.Preset.Comment)
	case events.InitialQaCopyFromDataset:
		datasetID := msg.InitialQa.CopyFromDataset.DatasetID
		dataset, err := s.submissions.GetByID(ctx, datasetID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if dataset == nil || dataset.Deleted() {
			log.Info("referenced dataset unknown, queueing for manual review", zap.String("dataset_id", datasetID))
			return s.enqueue(ctx, msg.DataPointID)
		}
		comment := "verdict copied from dataset " + datasetID
		switch dataset.State {
		case models.SubmissionStateAccepted, models.SubmissionStateStored:
			return s.autoVerdict(ctx, msg.DataPointID, models.QaStatusAccepted, comment)
		case models.SubmissionStateRejected:
			return s.autoVerdict(ctx, msg.DataPointID, models.QaStatusRejected, comment)
		}
		return s.enqueue(ctx, msg.DataPointID)
	}
	return messaging.Poison(fmt.Errorf("unsupported initialQa kind %q", msg.InitialQa.Kind))
}

// enqueue adds a pending review item for a submission still awaiting QA.
func (s *QAService) enqueue(ctx context.Context, submissionID string) error {
	log := logger.FromContext(ctx, s.logger).With(zap.String("submission_id", submissionID))
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("upload for unknown submission dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if submission.Deleted() || submission.State != models.SubmissionStatePendingQa {
		log.Info("submission no longer awaits review", zap.String("state", string(submission.State)))
		return nil
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"kind":            submission.Kind,
		"uploaderId":      submission.UploaderID,
		"uploadTimestamp": submission.UploadTimestamp,
	})
	if err != nil {
		return err
	}
	inserted, err := s.queue.Enqueue(ctx, &models.QaReviewItem{
		SubmissionID:     submission.ID,
		CompanyID:        submission.CompanyID,
		CompanyName:      submission.CompanyName,
		DataType:         submission.DataType,
		ReportingPeriod:  submission.ReportingPeriod,
		Metadata:         metadata,
		EnqueueTimestamp: s.now(),
	})
	if err != nil {
		return err
	}
	if inserted {
		log.Info("submission queued for review")
	} else {
		log.Debug("review item already pending")
	}
	return nil
}

func (s *QAService) recordBypass(ctx context.Context, submissionID, companyID, companyName, dataType, period string) error {
	now := s.now()
	reviewer := models.ReviewerBypass
	err := s.queue.RecordArchived(ctx, &models.QaReviewItem{
		ID:               "bypass-" + submissionID,
		SubmissionID:     submissionID,
		CompanyID:        companyID,
		CompanyName:      companyName,
		DataType:         dataType,
		ReportingPeriod:  period,
		Status:           models.ReviewItemAccepted,
		Metadata:         []byte(`{"bypassQa":true}`),
		EnqueueTimestamp: now,
		ReviewerID:       &reviewer,
		ArchivedAt:       &now,
	})
	if err != nil {
		return err
	}
	logger.FromContext(ctx, s.logger).Info("review bypassed", zap.String("submission_id", submissionID))
	return nil
}

func (s *QAService) autoVerdict(ctx context.Context, submissionID string, verdict models.QaStatus, comment string) error {
	_, err := s.verdicts.ApplyVerdict(ctx, VerdictInput{
		SubmissionID: submissionID,
		Verdict:      verdict,
		Comment:      comment,
		ReviewerID:   models.ReviewerInitialQa,
	})
	if appErrors.Is(err, appErrors.ErrNotFound) || appErrors.Is(err, appErrors.ErrAlreadyReviewed) {
		logger.FromContext(ctx, s.logger).Info("initial verdict not applicable",
			zap.String("submission_id", submissionID), zap.Error(err))
		return nil
	}
	return err
}

// HandleDeletion withdraws any pending review of a deleted submission.
func (s *QAService) HandleDeletion(ctx context.Context, env messaging.Envelope) error {
	msg, ok := env.Payload.(events.DeleteData)
	if !ok {
		return messaging.Poison(errors.New("unexpected payload for deletion queue: " + env.Type))
	}
	withdrawn, err := s.queue.Resolve(ctx, repository.ResolveParams{
		SubmissionID: msg.DataID,
		Status:       models.ReviewItemWithdrawn,
		At:           s.now(),
	})
	if err != nil {
		return err
	}
	if withdrawn {
		logger.FromContext(ctx, s.logger).Info("pending review withdrawn", zap.String("submission_id", msg.DataID))
	}
	return nil
}

// EncodeQueueCursor renders a keyset position as an opaque token.
func EncodeQueueCursor(c models.QaQueueCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeQueueCursor parses a token from EncodeQueueCursor. Empty means first page.
func DecodeQueueCursor(token string) (*models.QaQueueCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid cursor")
	}
	var c models.QaQueueCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.SubmissionID == "" || c.EnqueueTimestamp.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid cursor")
	}
	return &c, nil
}
