package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

// InitialQaRequest seeds the review of a data point. An empty kind means preset Pending.
type InitialQaRequest struct {
	Kind      string `json:"kind" validate:"omitempty,oneof=preset copyFromDataset"`
	QaStatus  string `json:"qaStatus" validate:"omitempty,oneof=Pending Accepted Rejected"`
	Comment   string `json:"comment"`
	DatasetID string `json:"datasetId" validate:"required_if=Kind copyFromDataset"`
}

// UploadRequest is the body of POST /datasets and POST /data-points.
type UploadRequest struct {
	Kind            models.SubmissionKind `json:"-"`
	DataType        string                `json:"dataType" validate:"required,max=128"`
	CompanyID       string                `json:"companyId" validate:"required,max=128"`
	CompanyName     string                `json:"companyName" validate:"max=255"`
	ReportingPeriod string                `json:"reportingPeriod" validate:"required,max=32"`
	Data            json.RawMessage       `json:"data" validate:"required"`
	BypassQa        bool                  `json:"bypassQa"`
	Private         bool                  `json:"private"`
	InitialQa       *InitialQaRequest     `json:"initialQa,omitempty"`
}

// UploadResponse acknowledges an accepted upload.
type UploadResponse struct {
	SubmissionID    string                 `json:"submissionId"`
	State           models.SubmissionState `json:"state"`
	UploadTimestamp time.Time              `json:"uploadTimestamp"`
}

// ReReviewRequest optionally documents why an admin reopened a review.
type ReReviewRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

// SubmissionDetail bundles a submission with its review history.
type SubmissionDetail struct {
	models.Submission
	History []models.QaReviewHistory `json:"history"`
}
