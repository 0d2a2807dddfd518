package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/esg-pipeline/internal/dto"
	"github.com/noah-isme/esg-pipeline/internal/models"
	appErrors "github.com/noah-isme/esg-pipeline/pkg/errors"
	"github.com/noah-isme/esg-pipeline/pkg/response"
	"github.com/noah-isme/esg-pipeline/pkg/storage"
)

type qaService interface {
	ListQueue(ctx context.Context, query dto.QaQueueQuery) (*dto.QaQueueResponse, error)
	RecordVerdict(ctx context.Context, submissionID string, req dto.VerdictRequest, reviewerID string) (*models.Submission, error)
}

type payloadTokenParser interface {
	Parse(token string) (storage.SignedPayload, error)
}

type payloadReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// QAHandler exposes the reviewer queue and payload downloads.
type QAHandler struct {
	service  qaService
	signer   payloadTokenParser
	payloads payloadReader
}

// NewQAHandler builds a new handler.
func NewQAHandler(service qaService, signer payloadTokenParser, payloads payloadReader) *QAHandler {
	return &QAHandler{service: service, signer: signer, payloads: payloads}
}

// Queue godoc
// @Summary List pending review items
// @Tags QA
// @Produce json
// @Param companyId query []string false "Company filter"
// @Param dataType query []string false "Data type filter"
// @Param reportingPeriod query []string false "Reporting period filter"
// @Param qaStatus query []string false "QA status filter (default Pending)"
// @Param chunkSize query int false "Page size"
// @Param cursor query string false "Opaque cursor from the previous page"
// @Success 200 {object} response.Envelope
// @Router /qa/queue [get]
func (h *QAHandler) Queue(c *gin.Context) {
	var query dto.QaQueueQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid queue query"))
		return
	}
	page, err := h.service.ListQueue(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page, nil)
}

// Verdict godoc
// @Summary Accept or reject a submission
// @Tags QA
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.VerdictRequest true "Verdict"
// @Success 200 {object} response.Envelope
// @Router /qa/{id}/verdict [post]
func (h *QAHandler) Verdict(c *gin.Context) {
	var req dto.VerdictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid verdict payload"))
		return
	}
	sub, err := h.service.RecordVerdict(c.Request.Context(), c.Param("id"), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub, nil)
}

// Payload godoc
// @Summary Download a raw submission payload via a signed token
// @Tags QA
// @Produce json
// @Param token path string true "Signed token"
// @Success 200 {object} object
// @Router /payloads/{token} [get]
func (h *QAHandler) Payload(c *gin.Context) {
	if h.signer == nil || h.payloads == nil {
		response.Error(c, appErrors.ErrUnavailable)
		return
	}
	grant, err := h.signer.Parse(c.Param("token"))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrForbidden.Code, http.StatusForbidden, "invalid or expired payload link"))
		return
	}
	data, err := h.payloads.Get(c.Request.Context(), grant.Key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "payload not found"))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "payload store unavailable"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Submission-ID", grant.SubmissionID)
	c.Data(http.StatusOK, "application/json", data)
}
