package dto

import (
	"time"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

// QaQueueQuery binds GET /qa/queue.
type QaQueueQuery struct {
	CompanyIDs       []string `form:"companyId"`
	DataTypes        []string `form:"dataType"`
	ReportingPeriods []string `form:"reportingPeriod"`
	QaStatuses       []string `form:"qaStatus"`
	ChunkSize        int      `form:"chunkSize"`
	Cursor           string   `form:"cursor"`
}

// QaQueueItem is a review item decorated with a signed payload link.
type QaQueueItem struct {
	models.QaReviewItem
	PayloadURL       string     `json:"payloadUrl,omitempty"`
	PayloadExpiresAt *time.Time `json:"payloadExpiresAt,omitempty"`
}

// QaQueueResponse is one keyset page of the review queue.
type QaQueueResponse struct {
	Items      []QaQueueItem `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
	TotalCount int           `json:"totalCount"`
}

// VerdictRequest is the body of POST /qa/:id/verdict.
type VerdictRequest struct {
	Verdict string `json:"verdict" validate:"required,oneof=Accepted Rejected"`
	Comment string `json:"comment" validate:"max=2000"`
}
