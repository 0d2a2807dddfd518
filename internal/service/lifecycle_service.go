package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/internal/repository"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

type lifecycleSubmissionStore interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	GetForUpdate(ctx context.Context, id string) (*models.Submission, error)
	Transition(ctx context.Context, params repository.TransitionParams) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

type lifecycleReviewStore interface {
	Enqueue(ctx context.Context, item *models.QaReviewItem) (bool, error)
	Resolve(ctx context.Context, params repository.ResolveParams) (bool, error)
	AppendHistory(ctx context.Context, entry *models.QaReviewHistory) error
	History(ctx context.Context, submissionID string) ([]models.QaReviewHistory, error)
}

// VerdictInput is a QA decision on one submission.
type VerdictInput struct {
	SubmissionID string
	Verdict      models.QaStatus
	Comment      string
	ReviewerID   string
}

// LifecycleService owns submission state changes after upload.
type LifecycleService struct {
	submissions lifecycleSubmissionStore
	reviews     lifecycleReviewStore
	tx          transactor
	out         emitter
	relay       relayNotifier
	logger      *zap.Logger
	now         func() time.Time
}

// LifecycleServiceOption configures the service.
type LifecycleServiceOption func(*LifecycleService)

// WithLifecycleNotifier wakes the outbox relay after each committed change.
func WithLifecycleNotifier(n relayNotifier) LifecycleServiceOption {
	return func(s *LifecycleService) {
		s.relay = n
	}
}

// NewLifecycleService constructs the service.
func NewLifecycleService(
	submissions lifecycleSubmissionStore,
	reviews lifecycleReviewStore,
	outbox outboxWriter,
	tx transactor,
	producer messagePreparer,
	logger *zap.Logger,
	opts ...LifecycleServiceOption,
) *LifecycleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &LifecycleService{
		submissions: submissions,
		reviews:     reviews,
		tx:          tx,
		out:         emitter{producer: producer, outbox: outbox},
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

// Get returns a live submission.
func (s *LifecycleService) Get(ctx context.Context, id string) (*models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to load submission")
	}
	if submission.Deleted() {
		return nil, appErrors.ErrNotFound
	}
	return submission, nil
}

// History returns the verdicts recorded for a submission.
func (s *LifecycleService) History(ctx context.Context, id string) ([]models.QaReviewHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.reviews.History(ctx, id)
	if err != nil {
		return nil, internalError(err, "failed to load review history")
	}
	return entries, nil
}

// ApplyVerdict moves a PendingQa submission to Accepted or Rejected, archives
// its review item and stages the verdict and storage messages atomically.
func (s *LifecycleService) ApplyVerdict(ctx context.Context, in VerdictInput) (*models.Submission, error) {
	if in.Verdict != models.QaStatusAccepted && in.Verdict != models.QaStatusRejected {
		return nil, appErrors.Clone(appErrors.ErrValidation, "verdict must be Accepted or Rejected")
	}
	var updated *models.Submission
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		submission, err := s.submissions.GetForUpdate(ctx, in.SubmissionID)
		if err != nil {
			return notFoundOr(err, "failed to load submission")
		}
		if submission.Deleted() {
			return appErrors.ErrNotFound
		}
		if submission.State != models.SubmissionStatePendingQa {
			return appErrors.Clone(appErrors.ErrAlreadyReviewed, "submission already reviewed")
		}

		target := models.SubmissionStateAccepted
		itemStatus := models.ReviewItemAccepted
		if in.Verdict == models.QaStatusRejected {
			target = models.SubmissionStateRejected
			itemStatus = models.ReviewItemRejected
		}
		comment := optionalString(in.Comment)
		reviewer := in.ReviewerID
		err = s.submissions.Transition(ctx, repository.TransitionParams{
			ID:         submission.ID,
			From:       []models.SubmissionState{models.SubmissionStatePendingQa},
			To:         target,
			QaStatus:   in.Verdict,
			Comment:    comment,
			ReviewedBy: &reviewer,
		})
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrAlreadyReviewed, "submission already reviewed")
		}
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := s.reviews.Resolve(ctx, repository.ResolveParams{
			SubmissionID: submission.ID,
			Status:       itemStatus,
			ReviewerID:   &reviewer,
			Comment:      comment,
			At:           now,
		}); err != nil {
			return err
		}
		if err := s.reviews.AppendHistory(ctx, &models.QaReviewHistory{
			SubmissionID: submission.ID,
			Verdict:      in.Verdict,
			ReviewerID:   reviewer,
			Comment:      comment,
			RecordedAt:   now,
		}); err != nil {
			return err
		}

		submission.State = target
		submission.QaStatus = in.Verdict
		submission.QaComment = comment
		submission.ReviewedBy = &reviewer
		if err := s.emitVerdict(ctx, submission); err != nil {
			return err
		}
		if target == models.SubmissionStateAccepted {
			if err := s.emitStore(ctx, submission); err != nil {
				return err
			}
		}
		updated = submission
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to apply verdict")
	}
	notify(s.relay)
	logger.FromContext(ctx, s.logger).Info("verdict applied",
		zap.String("submission_id", updated.ID),
		zap.String("verdict", string(in.Verdict)),
		zap.String("reviewer_id", in.ReviewerID),
	)
	return updated, nil
}

// ReReview reopens an Accepted or Rejected submission for review.
func (s *LifecycleService) ReReview(ctx context.Context, id, actorID, comment string) (*models.Submission, error) {
	var updated *models.Submission
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		submission, err := s.submissions.GetForUpdate(ctx, id)
		if err != nil {
			return notFoundOr(err, "failed to load submission")
		}
		if submission.Deleted() {
			return appErrors.ErrNotFound
		}
		if !submission.State.CanTransitionTo(models.SubmissionStatePendingQa) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "submission cannot be re-reviewed in state "+string(submission.State))
		}
		err = s.submissions.Transition(ctx, repository.TransitionParams{
			ID:       submission.ID,
			From:     []models.SubmissionState{models.SubmissionStateAccepted, models.SubmissionStateRejected},
			To:       models.SubmissionStatePendingQa,
			QaStatus: models.QaStatusPending,
			Comment:  optionalString(comment),
		})
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "submission changed concurrently")
		}
		if err != nil {
			return err
		}
		metadata, _ := json.Marshal(map[string]string{"reReviewedBy": actorID, "kind": string(submission.Kind)})
		if _, err := s.reviews.Enqueue(ctx, &models.QaReviewItem{
			SubmissionID:     submission.ID,
			CompanyID:        submission.CompanyID,
			CompanyName:      submission.CompanyName,
			DataType:         submission.DataType,
			ReportingPeriod:  submission.ReportingPeriod,
			Metadata:         metadata,
			EnqueueTimestamp: s.now(),
		}); err != nil {
			return err
		}
		submission.State = models.SubmissionStatePendingQa
		submission.QaStatus = models.QaStatusPending
		submission.QaComment = optionalString(comment)
		submission.ReviewedBy = nil
		updated = submission
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to reopen review")
	}
	logger.FromContext(ctx, s.logger).Info("submission reopened for review",
		zap.String("submission_id", id), zap.String("actor_id", actorID))
	return updated, nil
}

// Delete soft-deletes a submission and asks storage and QA to forget it.
func (s *LifecycleService) Delete(ctx context.Context, id, actorID string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		submission, err := s.submissions.GetForUpdate(ctx, id)
		if err != nil {
			return notFoundOr(err, "failed to load submission")
		}
		if submission.Deleted() {
			return appErrors.ErrNotFound
		}
		if err := s.submissions.SoftDelete(ctx, id, s.now()); err != nil {
			return notFoundOr(err, "failed to delete submission")
		}
		return s.out.emit(ctx, events.OpDatasetDeletion, events.TypeDeleteData, events.DeleteData{DataID: id})
	})
	if err != nil {
		return internalError(err, "failed to delete submission")
	}
	notify(s.relay)
	logger.FromContext(ctx, s.logger).Info("submission deleted",
		zap.String("submission_id", id), zap.String("actor_id", actorID))
	return nil
}

// HandleVerdict consumes QA completed messages. Verdicts for unknown or
// already reviewed submissions are acknowledged without effect.
func (s *LifecycleService) HandleVerdict(ctx context.Context, env messaging.Envelope) error {
	msg, ok := env.Payload.(events.QaCompleted)
	if !ok {
		return messaging.Poison(errors.New("unexpected payload for verdict queue: " + env.Type))
	}
	log := logger.FromContext(ctx, s.logger).With(zap.String("submission_id", msg.DataID))
	_, err := s.ApplyVerdict(ctx, VerdictInput{
		SubmissionID: msg.DataID,
		Verdict:      models.QaStatus(msg.Verdict),
		Comment:      msg.Comment,
		ReviewerID:   msg.ReviewerID,
	})
	switch {
	case err == nil:
		return nil
	case appErrors.Is(err, appErrors.ErrNotFound):
		log.Info("verdict for unknown submission dropped")
		return nil
	case appErrors.Is(err, appErrors.ErrAlreadyReviewed):
		log.Info("verdict already applied")
		return nil
	case appErrors.Is(err, appErrors.ErrValidation):
		return messaging.Poison(err)
	}
	return err
}

func (s *LifecycleService) emitVerdict(ctx context.Context, sub *models.Submission) error {
	operation := events.OpQaVerdict
	if sub.Kind == models.SubmissionKindDataPoint {
		operation = events.OpQaVerdictDataPoint
	}
	return s.out.emit(ctx, operation, events.TypeQaCompleted, events.QaCompleted{
		DataID:     sub.ID,
		Verdict:    string(sub.QaStatus),
		Comment:    derefString(sub.QaComment),
		ReviewerID: derefString(sub.ReviewedBy),
	})
}

func (s *LifecycleService) emitStore(ctx context.Context, sub *models.Submission) error {
	operation := events.OpStorePublicData
	if sub.Private {
		operation = events.OpStorePrivateData
	}
	return s.out.emit(ctx, operation, events.TypeStoreData, events.StoreData{DataID: sub.ID, Private: sub.Private})
}
