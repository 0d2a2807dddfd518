package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/response"
)

type dataRequestService interface {
	Create(ctx context.Context, req dto.CreateDataRequest, actor *models.JWTClaims) (*models.DataRequest, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*dto.DataRequestDetail, error)
	List(ctx context.Context, query dto.DataRequestQuery, actor *models.JWTClaims) ([]models.DataRequest, *models.Pagination, error)
	PatchState(ctx context.Context, id string, req dto.PatchRequestStateRequest, actor *models.JWTClaims) (*models.DataRequest, error)
	UpdateComment(ctx context.Context, id string, req dto.UpdateRequestCommentRequest, actor *models.JWTClaims) (*models.DataRequest, error)
	Withdraw(ctx context.Context, id string, actor *models.JWTClaims) (*models.DataRequest, error)
	Resubmit(ctx context.Context, id string, actor *models.JWTClaims) (*models.DataRequest, error)
	ExportHistory(ctx context.Context, id, format string, actor *models.JWTClaims) (*dto.HistoryExport, error)
}

// DataRequestHandler exposes data request endpoints.
type DataRequestHandler struct {
	service dataRequestService
}

// NewDataRequestHandler builds a new handler.
func NewDataRequestHandler(service dataRequestService) *DataRequestHandler {
	return &DataRequestHandler{service: service}
}

// Create godoc
// @Summary Request data for a company, framework and period
// @Tags Data Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateDataRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Router /requests [post]
func (h *DataRequestHandler) Create(c *gin.Context) {
	var req dto.CreateDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid data request payload"))
		return
	}
	request, err := h.service.Create(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request)
}

// List godoc
// @Summary List data requests
// @Tags Data Requests
// @Produce json
// @Param companyId query []string false "Company filter"
// @Param dataType query []string false "Data type filter"
// @Param reportingPeriod query []string false "Reporting period filter"
// @Param state query []string false "State filter"
// @Param priority query []string false "Priority filter"
// @Param userId query string false "Requesting user (admins only)"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *DataRequestHandler) List(c *gin.Context) {
	var query dto.DataRequestQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request query"))
		return
	}
	requests, pagination, err := h.service.List(c.Request.Context(), query, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get a data request with its history
// @Tags Data Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *DataRequestHandler) Get(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// PatchState godoc
// @Summary Move a data request to a new state
// @Tags Data Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.PatchRequestStateRequest true "State payload"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/state [patch]
func (h *DataRequestHandler) PatchState(c *gin.Context) {
	var req dto.PatchRequestStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid state payload"))
		return
	}
	request, err := h.service.PatchState(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// UpdateComment godoc
// @Summary Update the caller's comment on a data request
// @Tags Data Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.UpdateRequestCommentRequest true "Comment payload"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/comment [patch]
func (h *DataRequestHandler) UpdateComment(c *gin.Context) {
	var req dto.UpdateRequestCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid comment payload"))
		return
	}
	request, err := h.service.UpdateComment(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Withdraw godoc
// @Summary Withdraw an active data request
// @Tags Data Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/withdraw [post]
func (h *DataRequestHandler) Withdraw(c *gin.Context) {
	request, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Resubmit godoc
// @Summary Reopen a processed or withdrawn data request
// @Tags Data Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/resubmit [post]
func (h *DataRequestHandler) Resubmit(c *gin.Context) {
	request, err := h.service.Resubmit(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// ExportHistory godoc
// @Summary Download the history of a data request
// @Tags Data Requests
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Request ID"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Router /requests/{id}/history/export [get]
func (h *DataRequestHandler) ExportHistory(c *gin.Context) {
	out, err := h.service.ExportHistory(c.Request.Context(), c.Param("id"), c.Query("format"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, out.Filename, out.ContentType, out.Data)
}
