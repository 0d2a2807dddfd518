package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/logger"
)

type sourcingStore interface {
	GetByID(ctx context.Context, id string) (*models.DataSourcing, error)
	List(ctx context.Context, filter models.DataSourcingFilter) ([]models.DataSourcing, int, error)
	Update(ctx context.Context, sourcing *models.DataSourcing) error
}

type sourcingRequestStore interface {
	ListBySourcing(ctx context.Context, sourcingID string) ([]models.DataRequest, error)
	Update(ctx context.Context, request *models.DataRequest) error
	AppendHistory(ctx context.Context, entry *models.DataRequestHistory) error
}

// SourcingService lets operators drive the sourcing effort behind data requests.
type SourcingService struct {
	sourcings sourcingStore
	requests  sourcingRequestStore
	tx        transactor
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewSourcingService constructs the service.
func NewSourcingService(sourcings sourcingStore, requests sourcingRequestStore, tx transactor, validate *validator.Validate, logger *zap.Logger) *SourcingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourcingService{
		sourcings: sourcings,
		requests:  requests,
		tx:        tx,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// List returns a page of sourcings together with the requests linked to them.
func (s *SourcingService) List(ctx context.Context, query dto.DataSourcingQuery) ([]models.DataSourcingWithRequests, *models.Pagination, error) {
	filter := models.DataSourcingFilter{
		CompanyIDs: query.CompanyIDs,
		Assignee:   strings.TrimSpace(query.Assignee),
		Page:       query.Page,
		PageSize:   query.PageSize,
	}
	for _, raw := range query.States {
		state := models.SourcingState(raw)
		if !state.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported sourcing state %q", raw))
		}
		filter.States = append(filter.States, state)
	}
	sourcings, total, err := s.sourcings.List(ctx, filter)
	if err != nil {
		return nil, nil, internalError(err, "failed to list data sourcings")
	}
	out := make([]models.DataSourcingWithRequests, 0, len(sourcings))
	for _, sourcing := range sourcings {
		requests, err := s.requests.ListBySourcing(ctx, sourcing.ID)
		if err != nil {
			return nil, nil, internalError(err, "failed to load associated requests")
		}
		out = append(out, models.DataSourcingWithRequests{DataSourcing: sourcing, AssociatedRequests: requests})
	}
	return out, pagination(filter.Page, filter.PageSize, total), nil
}

// Get returns one sourcing with its requests.
func (s *SourcingService) Get(ctx context.Context, id string) (*models.DataSourcingWithRequests, error) {
	sourcing, err := s.sourcings.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to load data sourcing")
	}
	requests, err := s.requests.ListBySourcing(ctx, id)
	if err != nil {
		return nil, internalError(err, "failed to load associated requests")
	}
	return &models.DataSourcingWithRequests{DataSourcing: *sourcing, AssociatedRequests: requests}, nil
}

// Patch applies operator changes. A state change cascades onto linked requests
// in the same transaction.
func (s *SourcingService) Patch(ctx context.Context, id string, req dto.PatchDataSourcingRequest, actorID string) (*models.DataSourcingWithRequests, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sourcing payload")
	}
	if req.ExpectedPublicationDates != nil {
		for _, date := range *req.ExpectedPublicationDates {
			if err := s.validator.Struct(date); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid expected publication date")
			}
		}
	}
	var next models.SourcingState
	if req.State != nil {
		next = models.SourcingState(*req.State)
		if !next.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported sourcing state %q", *req.State))
		}
	}

	var (
		result   *models.DataSourcingWithRequests
		cascaded int
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sourcing, err := s.sourcings.GetByID(ctx, id)
		if err != nil {
			return notFoundOr(err, "failed to load data sourcing")
		}
		stateChanged := next != "" && next != sourcing.State
		if stateChanged {
			if !sourcing.State.CanTransitionTo(next) {
				return appErrors.Clone(appErrors.ErrInvalidTransition,
					fmt.Sprintf("cannot move sourcing from %s to %s", sourcing.State, next))
			}
			sourcing.State = next
		}
		if req.DocumentIDs != nil {
			sourcing.DocumentIDs = append([]string(nil), (*req.DocumentIDs)...)
		}
		if req.ExpectedPublicationDates != nil {
			sourcing.ExpectedPublicationDates = *req.ExpectedPublicationDates
		}
		if req.DocumentCollector != nil {
			sourcing.DocumentCollector = optionalString(*req.DocumentCollector)
		}
		if req.DataExtractor != nil {
			sourcing.DataExtractor = optionalString(*req.DataExtractor)
		}
		if req.Priority != nil {
			sourcing.Priority = models.RequestPriority(*req.Priority)
		}
		if err := s.sourcings.Update(ctx, sourcing); err != nil {
			return notFoundOr(err, "failed to update data sourcing")
		}

		requests, err := s.requests.ListBySourcing(ctx, sourcing.ID)
		if err != nil {
			return err
		}
		if stateChanged {
			now := s.now()
			for i := range requests {
				target, ok := cascadeTarget(sourcing.State, requests[i].State)
				if !ok {
					continue
				}
				request := &requests[i]
				request.State = target
				request.LastModifiedTimestamp = request.NextModified(now)
				if err := s.requests.Update(ctx, request); err != nil {
					return err
				}
				entry := request.HistoryEntry(ActorSourcing)
				if err := s.requests.AppendHistory(ctx, &entry); err != nil {
					return err
				}
				cascaded++
			}
		}
		result = &models.DataSourcingWithRequests{DataSourcing: *sourcing, AssociatedRequests: requests}
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to update data sourcing")
	}
	logger.FromContext(ctx, s.logger).Info("data sourcing updated",
		zap.String("sourcing_id", id),
		zap.String("state", string(result.State)),
		zap.String("actor_id", actorID),
		zap.Int("cascaded_requests", cascaded),
	)
	return result, nil
}

// cascadeTarget maps a sourcing state onto the state its linked request should take.
func cascadeTarget(sourcing models.SourcingState, current models.RequestState) (models.RequestState, bool) {
	switch {
	case sourcing == models.SourcingStateNonSourceable && current.Active():
		return models.RequestStateRejected, true
	case sourcing == models.SourcingStateDone && current.Active():
		return models.RequestStateProcessed, true
	case sourcing.InProgress() && current == models.RequestStateOpen:
		return models.RequestStateProcessing, true
	}
	return "", false
}
