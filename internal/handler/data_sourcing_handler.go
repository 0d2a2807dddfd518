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

type dataSourcingService interface {
	List(ctx context.Context, query dto.DataSourcingQuery) ([]models.DataSourcingWithRequests, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.DataSourcingWithRequests, error)
	Patch(ctx context.Context, id string, req dto.PatchDataSourcingRequest, actorID string) (*models.DataSourcingWithRequests, error)
}

// DataSourcingHandler exposes the operator view of sourcing efforts.
type DataSourcingHandler struct {
	service dataSourcingService
}

// NewDataSourcingHandler builds a new handler.
func NewDataSourcingHandler(service dataSourcingService) *DataSourcingHandler {
	return &DataSourcingHandler{service: service}
}

// List godoc
// @Summary List data sourcings
// @Tags Data Sourcing
// @Produce json
// @Param companyId query []string false "Company filter"
// @Param state query []string false "State filter"
// @Param assignee query string false "Document collector or data extractor"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sourcings [get]
func (h *DataSourcingHandler) List(c *gin.Context) {
	var query dto.DataSourcingQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid sourcing query"))
		return
	}
	items, pagination, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get a data sourcing with its requests
// @Tags Data Sourcing
// @Produce json
// @Param id path string true "Sourcing ID"
// @Success 200 {object} response.Envelope
// @Router /sourcings/{id} [get]
func (h *DataSourcingHandler) Get(c *gin.Context) {
	item, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Patch godoc
// @Summary Update a data sourcing
// @Tags Data Sourcing
// @Accept json
// @Produce json
// @Param id path string true "Sourcing ID"
// @Param payload body dto.PatchDataSourcingRequest true "Changes"
// @Success 200 {object} response.Envelope
// @Router /sourcings/{id} [patch]
func (h *DataSourcingHandler) Patch(c *gin.Context) {
	var req dto.PatchDataSourcingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid sourcing payload"))
		return
	}
	item, err := h.service.Patch(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}
