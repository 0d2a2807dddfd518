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

type deadLetterService interface {
	List(ctx context.Context, query dto.DeadLetterQuery) ([]models.DeadLetter, *models.Pagination, error)
	Replay(ctx context.Context, id, actorID string) (*dto.ReplayResponse, error)
}

// DeadLetterHandler exposes the dead-letter archive to operators.
type DeadLetterHandler struct {
	service deadLetterService
}

// NewDeadLetterHandler builds a new handler.
func NewDeadLetterHandler(service deadLetterService) *DeadLetterHandler {
	return &DeadLetterHandler{service: service}
}

// List godoc
// @Summary List dead-lettered messages
// @Tags Dead Letters
// @Produce json
// @Param queue query string false "Queue filter"
// @Param notReplayed query bool false "Only messages never replayed"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /admin/dead-letters [get]
func (h *DeadLetterHandler) List(c *gin.Context) {
	var query dto.DeadLetterQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid dead letter query"))
		return
	}
	letters, pagination, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, letters, pagination)
}

// Replay godoc
// @Summary Republish a dead-lettered message to its original route
// @Tags Dead Letters
// @Produce json
// @Param id path string true "Dead letter ID"
// @Success 202 {object} response.Envelope
// @Router /admin/dead-letters/{id}/replay [post]
func (h *DeadLetterHandler) Replay(c *gin.Context) {
	out, err := h.service.Replay(c.Request.Context(), c.Param("id"), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, out, nil)
}
