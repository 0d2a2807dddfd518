package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/events"
	"github.com/noah-isme/esg-pipeline/internal/models"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
	"github.com/noah-isme/esg-pipeline/pkg/messaging"
	"github.com/noah-isme/esg-pipeline/pkg/retry"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

// ErrCommitInFlight reports that another worker holds the commit lease for a submission.
var ErrCommitInFlight = errors.New("storage commit already in flight")

type commitSubmissionStore interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	GetForUpdate(ctx context.Context, id string) (*models.Submission, error)
	LockKey(ctx context.Context, key models.KeyTriple) error
	ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.Submission, error)
	DeactivateKey(ctx context.Context, key models.KeyTriple, exceptID string) (int64, error)
	MarkStored(ctx context.Context, id string, active bool, storedAt time.Time) error
}

type storedDataStore interface {
	Insert(ctx context.Context, data *models.StoredData) (bool, error)
	Delete(ctx context.Context, submissionID string) error
}

type commitLeaser interface {
	Acquire(ctx context.Context, id string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, id, token string) error
}

// StorageCommitService commits accepted submissions into internal storage.
type StorageCommitService struct {
	submissions commitSubmissionStore
	stored      storedDataStore
	payloads    storage.PayloadStore
	leases      commitLeaser
	leaseTTL    time.Duration
	tx          transactor
	out         emitter
	relay       relayNotifier
	logger      *zap.Logger
	now         func() time.Time
}

// StorageCommitOption configures the service.
type StorageCommitOption func(*StorageCommitService)

// WithCommitLeases guards commits with an in-flight lease per submission.
func WithCommitLeases(leases commitLeaser, ttl time.Duration) StorageCommitOption {
	return func(s *StorageCommitService) {
		s.leases = leases
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithCommitNotifier wakes the outbox relay after each commit.
func WithCommitNotifier(n relayNotifier) StorageCommitOption {
	return func(s *StorageCommitService) {
		s.relay = n
	}
}

// NewStorageCommitService constructs the service.
func NewStorageCommitService(
	submissions commitSubmissionStore,
	stored storedDataStore,
	payloads storage.PayloadStore,
	outbox outboxWriter,
	tx transactor,
	producer messagePreparer,
	logger *zap.Logger,
	opts ...StorageCommitOption,
) *StorageCommitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StorageCommitService{
		submissions: submissions,
		stored:      stored,
		payloads:    payloads,
		leaseTTL:    2 * time.Minute,
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

// HandleStoreRequest consumes storage actions and bypassed uploads.
// Uploads that still need review are not applicable here and are acknowledged.
func (s *StorageCommitService) HandleStoreRequest(ctx context.Context, env messaging.Envelope) error {
	switch msg := env.Payload.(type) {
	case events.StoreData:
		return s.OnAccepted(ctx, msg.DataID)
	case events.DatasetUploaded:
		if msg.BypassQa {
			return s.OnAccepted(ctx, msg.DataID)
		}
		return nil
	case events.DataPointUploaded:
		if msg.BypassQa {
			return s.OnAccepted(ctx, msg.DataPointID)
		}
		return nil
	}
	return messaging.Poison(errors.New("unexpected payload for storage queue: " + env.Type))
}

// HandleDeletion consumes deletion messages.
func (s *StorageCommitService) HandleDeletion(ctx context.Context, env messaging.Envelope) error {
	msg, ok := env.Payload.(events.DeleteData)
	if !ok {
		return messaging.Poison(errors.New("unexpected payload for storage deletion queue: " + env.Type))
	}
	return s.OnDeleted(ctx, msg.DataID)
}

// OnAccepted stores an accepted submission exactly once and resolves which
// submission of its key triple is currently active.
func (s *StorageCommitService) OnAccepted(ctx context.Context, id string) error {
	log := logger.FromContext(ctx, s.logger).With(zap.String("submission_id", id))

	if s.leases != nil {
		token, ok, err := s.leases.Acquire(ctx, id, s.leaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("submission %s: %w", id, ErrCommitInFlight)
		}
		defer func() {
			if err := s.leases.Release(context.WithoutCancel(ctx), id, token); err != nil {
				log.Warn("failed to release commit lease", zap.Error(err))
			}
		}()
	}

	submission, err := s.submissions.GetByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("store request for unknown submission dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if skip, reason := commitNotApplicable(submission); skip {
		log.Info("store request not applicable", zap.String("reason", reason), zap.String("state", string(submission.State)))
		return nil
	}

	// Read outside the transaction so no row lock is held across object storage I/O.
	data, err := s.payloads.Get(ctx, submission.PayloadRef)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return retry.NonRetryable(fmt.Errorf("payload %s missing: %w", submission.PayloadRef, err))
	}
	if err != nil {
		return err
	}

	var (
		committed bool
		active    bool
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.submissions.GetForUpdate(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if skip, _ := commitNotApplicable(current); skip {
			return nil
		}
		key := current.Key()
		if err := s.submissions.LockKey(ctx, key); err != nil {
			return err
		}
		storedAt := s.now()
		if _, err := s.stored.Insert(ctx, &models.StoredData{
			SubmissionID:    current.ID,
			CompanyID:       current.CompanyID,
			DataType:        current.DataType,
			ReportingPeriod: current.ReportingPeriod,
			Private:         current.Private,
			Data:            data,
			StoredAt:        storedAt,
		}); err != nil {
			return err
		}

		active = true
		sibling, err := s.submissions.ActiveForKey(ctx, key)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case sibling.ID != current.ID && sibling.UploadTimestamp.After(current.UploadTimestamp):
			active = false
		}
		if active {
			if _, err := s.submissions.DeactivateKey(ctx, key, current.ID); err != nil {
				return err
			}
		}
		if err := s.submissions.MarkStored(ctx, current.ID, active, storedAt); err != nil {
			return err
		}

		operation := events.OpItemStored
		if current.Private {
			operation = events.OpPrivateItemStored
		}
		if err := s.out.emit(ctx, operation, events.TypeDataStored, events.DataStored{
			DataID:          current.ID,
			StorageRef:      current.ID,
			CompanyID:       current.CompanyID,
			DataType:        current.DataType,
			ReportingPeriod: current.ReportingPeriod,
			CurrentlyActive: active,
			Private:         current.Private,
		}); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !committed {
		log.Info("submission changed before commit, skipped")
		return nil
	}
	notify(s.relay)
	log.Info("submission stored", zap.Bool("currently_active", active))
	return nil
}

// OnDeleted removes the stored copy and payload of a deleted submission.
func (s *StorageCommitService) OnDeleted(ctx context.Context, id string) error {
	if err := s.stored.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.payloads.Delete(ctx, storage.PayloadKey(id)); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return err
	}
	logger.FromContext(ctx, s.logger).Info("stored data removed", zap.String("submission_id", id))
	return nil
}

func commitNotApplicable(sub *models.Submission) (bool, string) {
	switch {
	case sub.Deleted():
		return true, "deleted"
	case sub.State == models.SubmissionStateStored:
		return true, "already stored"
	case sub.State != models.SubmissionStateAccepted:
		return true, "not accepted"
	}
	return false, ""
}
