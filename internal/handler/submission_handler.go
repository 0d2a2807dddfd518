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

type uploadService interface {
	Submit(ctx context.Context, req dto.UploadRequest, uploaderID string) (*models.Submission, error)
}

type submissionLifecycle interface {
	Get(ctx context.Context, id string) (*models.Submission, error)
	History(ctx context.Context, id string) ([]models.QaReviewHistory, error)
	ReReview(ctx context.Context, id, actorID, comment string) (*models.Submission, error)
	Delete(ctx context.Context, id, actorID string) error
}

// SubmissionHandler exposes upload and submission lifecycle endpoints.
type SubmissionHandler struct {
	uploads   uploadService
	lifecycle submissionLifecycle
}

// NewSubmissionHandler builds a new handler.
func NewSubmissionHandler(uploads uploadService, lifecycle submissionLifecycle) *SubmissionHandler {
	return &SubmissionHandler{uploads: uploads, lifecycle: lifecycle}
}

// UploadDataset godoc
// @Summary Upload a dataset
// @Tags Submissions
// @Accept json
// @Produce json
// @Param payload body dto.UploadRequest true "Dataset payload"
// @Success 202 {object} response.Envelope
// @Router /datasets [post]
func (h *SubmissionHandler) UploadDataset(c *gin.Context) {
	h.upload(c, models.SubmissionKindDataset)
}

// UploadDataPoint godoc
// @Summary Upload a single data point
// @Tags Submissions
// @Accept json
// @Produce json
// @Param payload body dto.UploadRequest true "Data point payload"
// @Success 202 {object} response.Envelope
// @Router /data-points [post]
func (h *SubmissionHandler) UploadDataPoint(c *gin.Context) {
	h.upload(c, models.SubmissionKindDataPoint)
}

func (h *SubmissionHandler) upload(c *gin.Context, kind models.SubmissionKind) {
	var req dto.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid upload payload"))
		return
	}
	req.Kind = kind
	sub, err := h.uploads.Submit(c.Request.Context(), req, actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, dto.UploadResponse{
		SubmissionID:    sub.ID,
		State:           sub.State,
		UploadTimestamp: sub.UploadTimestamp,
	}, nil)
}

// Get godoc
// @Summary Get a submission with its review history
// @Tags Submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id} [get]
func (h *SubmissionHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.lifecycle.Get(ctx, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	history, err := h.lifecycle.History(ctx, sub.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.SubmissionDetail{Submission: *sub, History: history}, nil)
}

// ReReview godoc
// @Summary Reopen the review of a decided submission
// @Tags Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param payload body dto.ReReviewRequest false "Reason"
// @Success 200 {object} response.Envelope
// @Router /submissions/{id}/re-review [post]
func (h *SubmissionHandler) ReReview(c *gin.Context) {
	var req dto.ReReviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid re-review payload"))
			return
		}
	}
	sub, err := h.lifecycle.ReReview(c.Request.Context(), c.Param("id"), actorID(c), req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sub, nil)
}

// Delete godoc
// @Summary Delete a submission
// @Tags Submissions
// @Param id path string true "Submission ID"
// @Success 204
// @Router /submissions/{id} [delete]
func (h *SubmissionHandler) Delete(c *gin.Context) {
	if err := h.lifecycle.Delete(c.Request.Context(), c.Param("id"), actorID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
