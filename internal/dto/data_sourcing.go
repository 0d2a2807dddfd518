package dto

import "github.com/noah-isme/esg-pipeline/internal/models"

// DataSourcingQuery binds GET /sourcings.
type DataSourcingQuery struct {
	CompanyIDs []string `form:"companyId"`
	States     []string `form:"state"`
	Assignee   string   `form:"assignee"`
	Page       int      `form:"page"`
	PageSize   int      `form:"pageSize"`
}

// PatchDataSourcingRequest changes any subset of a sourcing's operational fields.
type PatchDataSourcingRequest struct {
	State                    *string                  `json:"state"`
	DocumentIDs              *[]string                `json:"documentIds"`
	ExpectedPublicationDates *models.PublicationDates `json:"expectedPublicationDates"`
	DocumentCollector        *string                  `json:"documentCollector"`
	DataExtractor            *string                  `json:"dataExtractor"`
	Priority                 *string                  `json:"priority" validate:"omitempty,oneof=Low Medium High"`
}
