package dto

import "github.com/noah-isme/esg-pipeline/internal/models"

// CreateDataRequest is the body of POST /requests.
type CreateDataRequest struct {
	CompanyID       string `json:"companyId" validate:"required,max=128"`
	DataType        string `json:"dataType" validate:"required,max=128"`
	ReportingPeriod string `json:"reportingPeriod" validate:"required,max=32"`
	Priority        string `json:"priority" validate:"omitempty,oneof=Low Medium High"`
	MemberComment   string `json:"memberComment" validate:"max=2000"`
}

// DataRequestQuery binds GET /requests.
type DataRequestQuery struct {
	CompanyIDs       []string `form:"companyId"`
	DataTypes        []string `form:"dataType"`
	ReportingPeriods []string `form:"reportingPeriod"`
	States           []string `form:"state"`
	Priorities       []string `form:"priority"`
	UserID           string   `form:"userId"`
	Page             int      `form:"page"`
	PageSize         int      `form:"pageSize"`
}

// PatchRequestStateRequest is the admin body of PATCH /requests/:id/state.
type PatchRequestStateRequest struct {
	State        string  `json:"state" validate:"required,oneof=Processing Processed Rejected"`
	AdminComment *string `json:"adminComment" validate:"omitempty,max=2000"`
}

// UpdateRequestCommentRequest is the body of PATCH /requests/:id/comment.
type UpdateRequestCommentRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

// DataRequestDetail bundles a request with its history.
type DataRequestDetail struct {
	models.DataRequest
	History []models.DataRequestHistory `json:"history"`
}

// HistoryExport is a rendered history document.
type HistoryExport struct {
	Filename    string
	ContentType string
	Data        []byte
}
