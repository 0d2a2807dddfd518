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

type requestStore interface {
	Create(ctx context.Context, request *models.DataRequest) error
	GetByID(ctx context.Context, id string) (*models.DataRequest, error)
	Update(ctx context.Context, request *models.DataRequest) error
	AppendHistory(ctx context.Context, entry *models.DataRequestHistory) error
	History(ctx context.Context, requestID string) ([]models.DataRequestHistory, error)
	List(ctx context.Context, filter models.DataRequestFilter) ([]models.DataRequest, int, error)
	ExistsActiveForUser(ctx context.Context, userID string, key models.KeyTriple) (bool, error)
}

type requestSourcingStore interface {
	GetOrCreate(ctx context.Context, key models.KeyTriple, priority models.RequestPriority) (*models.DataSourcing, bool, error)
	Update(ctx context.Context, sourcing *models.DataSourcing) error
}

type historyRenderer interface {
	RenderHistory(request *models.DataRequest, history []models.DataRequestHistory, format string) (*dto.HistoryExport, error)
}

// RequestService manages the lifecycle of user data requests.
type RequestService struct {
	requests  requestStore
	sourcings requestSourcingStore
	exporter  historyRenderer
	tx        transactor
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewRequestService constructs the service.
func NewRequestService(
	requests requestStore,
	sourcings requestSourcingStore,
	exporter historyRenderer,
	tx transactor,
	validate *validator.Validate,
	logger *zap.Logger,
) *RequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestService{
		requests:  requests,
		sourcings: sourcings,
		exporter:  exporter,
		tx:        tx,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a request and links it to the single active sourcing of its key triple.
func (s *RequestService) Create(ctx context.Context, req dto.CreateDataRequest, actor *models.JWTClaims) (*models.DataRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid data request payload")
	}
	priority := models.PriorityLow
	if req.Priority != "" {
		priority = models.RequestPriority(req.Priority)
	}
	key := models.KeyTriple{
		CompanyID:       strings.TrimSpace(req.CompanyID),
		DataType:        strings.TrimSpace(req.DataType),
		ReportingPeriod: strings.TrimSpace(req.ReportingPeriod),
	}

	var created *models.DataRequest
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		exists, err := s.requests.ExistsActiveForUser(ctx, actor.UserID, key)
		if err != nil {
			return err
		}
		if exists {
			return appErrors.Clone(appErrors.ErrConflict, "an active request for this data already exists")
		}
		sourcing, err := s.linkSourcing(ctx, key, priority)
		if err != nil {
			return err
		}
		now := s.now()
		request := &models.DataRequest{
			CompanyID:             key.CompanyID,
			DataType:              key.DataType,
			ReportingPeriod:       key.ReportingPeriod,
			UserID:                actor.UserID,
			CreationTimestamp:     now,
			LastModifiedTimestamp: now,
			Priority:              priority,
			State:                 models.RequestStateOpen,
			MemberComment:         optionalString(req.MemberComment),
			SourcingRef:           &sourcing.ID,
		}
		if sourcing.State.InProgress() {
			request.State = models.RequestStateProcessing
		}
		if err := s.requests.Create(ctx, request); err != nil {
			return err
		}
		entry := request.HistoryEntry(actor.UserID)
		if err := s.requests.AppendHistory(ctx, &entry); err != nil {
			return err
		}
		created = request
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to create data request")
	}
	logger.FromContext(ctx, s.logger).Info("data request created",
		zap.String("request_id", created.ID), zap.String("sourcing_id", derefString(created.SourcingRef)))
	return created, nil
}

// linkSourcing returns the active sourcing for key, raising its priority when needed.
func (s *RequestService) linkSourcing(ctx context.Context, key models.KeyTriple, priority models.RequestPriority) (*models.DataSourcing, error) {
	sourcing, inserted, err := s.sourcings.GetOrCreate(ctx, key, priority)
	if err != nil {
		return nil, err
	}
	if !inserted && priority.Rank() > sourcing.Priority.Rank() {
		sourcing.Priority = priority
		if err := s.sourcings.Update(ctx, sourcing); err != nil {
			return nil, err
		}
	}
	return sourcing, nil
}

// Get returns a request with its history. Members only see their own.
func (s *RequestService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*dto.DataRequestDetail, error) {
	request, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	history, err := s.requests.History(ctx, id)
	if err != nil {
		return nil, internalError(err, "failed to load request history")
	}
	return &dto.DataRequestDetail{DataRequest: *request, History: history}, nil
}

// List returns an operator page; non-admins are limited to their own requests.
func (s *RequestService) List(ctx context.Context, query dto.DataRequestQuery, actor *models.JWTClaims) ([]models.DataRequest, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	filter := models.DataRequestFilter{
		CompanyIDs:       query.CompanyIDs,
		DataTypes:        query.DataTypes,
		ReportingPeriods: query.ReportingPeriods,
		UserID:           query.UserID,
		Page:             query.Page,
		PageSize:         query.PageSize,
	}
	for _, raw := range query.States {
		state := models.RequestState(raw)
		if !state.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported state %q", raw))
		}
		filter.States = append(filter.States, state)
	}
	for _, raw := range query.Priorities {
		priority := models.RequestPriority(raw)
		if !priority.Valid() {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported priority %q", raw))
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	if !actor.IsAdmin() {
		filter.UserID = actor.UserID
	}
	requests, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, internalError(err, "failed to list data requests")
	}
	return requests, pagination(filter.Page, filter.PageSize, total), nil
}

// PatchState applies an admin transition.
func (s *RequestService) PatchState(ctx context.Context, id string, req dto.PatchRequestStateRequest, actor *models.JWTClaims) (*models.DataRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid state payload")
	}
	if !actor.IsAdmin() {
		return nil, appErrors.ErrForbidden
	}
	return s.mutate(ctx, id, actor, func(ctx context.Context, request *models.DataRequest) error {
		if err := transitionRequest(request, models.RequestState(req.State)); err != nil {
			return err
		}
		if req.AdminComment != nil {
			request.AdminComment = optionalString(*req.AdminComment)
		}
		return nil
	})
}

// UpdateComment sets the member comment for owners and the admin comment for admins.
func (s *RequestService) UpdateComment(ctx context.Context, id string, req dto.UpdateRequestCommentRequest, actor *models.JWTClaims) (*models.DataRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid comment payload")
	}
	return s.mutate(ctx, id, actor, func(ctx context.Context, request *models.DataRequest) error {
		if actor.IsAdmin() {
			request.AdminComment = optionalString(req.Comment)
		} else {
			request.MemberComment = optionalString(req.Comment)
		}
		return nil
	})
}

// Withdraw lets the requester drop an active request.
func (s *RequestService) Withdraw(ctx context.Context, id string, actor *models.JWTClaims) (*models.DataRequest, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, request *models.DataRequest) error {
		return transitionRequest(request, models.RequestStateWithdrawn)
	})
}

// Resubmit reopens a processed or withdrawn request and relinks it to an active sourcing.
// The request stays Open until the sourcing next advances or an admin moves it.
func (s *RequestService) Resubmit(ctx context.Context, id string, actor *models.JWTClaims) (*models.DataRequest, error) {
	return s.mutate(ctx, id, actor, func(ctx context.Context, request *models.DataRequest) error {
		if err := transitionRequest(request, models.RequestStateOpen); err != nil {
			return err
		}
		exists, err := s.requests.ExistsActiveForUser(ctx, request.UserID, request.Key())
		if err != nil {
			return err
		}
		if exists {
			return appErrors.Clone(appErrors.ErrConflict, "an active request for this data already exists")
		}
		sourcing, err := s.linkSourcing(ctx, request.Key(), request.Priority)
		if err != nil {
			return err
		}
		request.SourcingRef = &sourcing.ID
		return nil
	})
}

// History returns the snapshots of a request.
func (s *RequestService) History(ctx context.Context, id string, actor *models.JWTClaims) ([]models.DataRequestHistory, error) {
	if _, err := s.load(ctx, id, actor); err != nil {
		return nil, err
	}
	history, err := s.requests.History(ctx, id)
	if err != nil {
		return nil, internalError(err, "failed to load request history")
	}
	return history, nil
}

// ExportHistory renders the history of a request as csv or pdf.
func (s *RequestService) ExportHistory(ctx context.Context, id, format string, actor *models.JWTClaims) (*dto.HistoryExport, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "pdf" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	request, err := s.load(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	history, err := s.requests.History(ctx, id)
	if err != nil {
		return nil, internalError(err, "failed to load request history")
	}
	out, err := s.exporter.RenderHistory(request, history, format)
	if err != nil {
		return nil, internalError(err, "failed to render request history")
	}
	return out, nil
}

func (s *RequestService) load(ctx context.Context, id string, actor *models.JWTClaims) (*models.DataRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to load data request")
	}
	if !actor.IsAdmin() && request.UserID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return request, nil
}

// mutate locks the request, applies change, bumps lastModified and appends history in one transaction.
func (s *RequestService) mutate(ctx context.Context, id string, actor *models.JWTClaims, change func(ctx context.Context, request *models.DataRequest) error) (*models.DataRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	var updated *models.DataRequest
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		request, err := s.load(ctx, id, actor)
		if err != nil {
			return err
		}
		if err := change(ctx, request); err != nil {
			return err
		}
		request.LastModifiedTimestamp = request.NextModified(s.now())
		if err := s.requests.Update(ctx, request); err != nil {
			return notFoundOr(err, "failed to update data request")
		}
		entry := request.HistoryEntry(actor.UserID)
		if err := s.requests.AppendHistory(ctx, &entry); err != nil {
			return err
		}
		updated = request
		return nil
	})
	if err != nil {
		return nil, internalError(err, "failed to update data request")
	}
	logger.FromContext(ctx, s.logger).Info("data request updated",
		zap.String("request_id", updated.ID), zap.String("state", string(updated.State)), zap.String("actor_id", actor.UserID))
	return updated, nil
}

func transitionRequest(request *models.DataRequest, next models.RequestState) error {
	if !request.State.CanTransitionTo(next) {
		return appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move request from %s to %s", request.State, next))
	}
	request.State = next
	return nil
}

func pagination(page, pageSize, total int) *models.Pagination {
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	if page <= 0 {
		page = 1
	}
	return &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}
}
