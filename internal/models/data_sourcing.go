package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// SourcingState tracks the operational effort behind a request.
type SourcingState string

const (
	SourcingStateInitialized          SourcingState = "Initialized"
	SourcingStateDocumentSourcing     SourcingState = "DocumentSourcing"
	SourcingStateDocumentSourcingDone SourcingState = "DocumentSourcingDone"
	SourcingStateDataExtraction       SourcingState = "DataExtraction"
	SourcingStateDataVerification     SourcingState = "DataVerification"
	SourcingStateDone                 SourcingState = "Done"
	SourcingStateNonSourceable        SourcingState = "NonSourceable"
)

// Valid reports whether s is a known state.
func (s SourcingState) Valid() bool {
	switch s {
	case SourcingStateInitialized, SourcingStateDocumentSourcing, SourcingStateDocumentSourcingDone,
		SourcingStateDataExtraction, SourcingStateDataVerification, SourcingStateDone, SourcingStateNonSourceable:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s SourcingState) Terminal() bool {
	return s == SourcingStateDone || s == SourcingStateNonSourceable
}

// InProgress reports whether operators are actively working on the sourcing.
func (s SourcingState) InProgress() bool {
	return s.Valid() && !s.Terminal() && s != SourcingStateInitialized
}

// CanTransitionTo allows any move out of a non-terminal state.
func (s SourcingState) CanTransitionTo(next SourcingState) bool {
	return next.Valid() && next != s && !s.Terminal()
}

// PublicationDate is an expected publication date for a document category.
type PublicationDate struct {
	Category string `json:"category" validate:"required"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
}

// PublicationDates is stored as a JSONB array.
type PublicationDates []PublicationDate

// Value implements driver.Valuer.
func (p PublicationDates) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *PublicationDates) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return fmt.Errorf("publication dates: unsupported type %T", src)
}

// DataSourcing deduplicates sourcing work for one key triple.
type DataSourcing struct {
	ID                       string           `db:"id" json:"id"`
	CompanyID                string           `db:"company_id" json:"companyId"`
	ReportingPeriod          string           `db:"reporting_period" json:"reportingPeriod"`
	DataType                 string           `db:"data_type" json:"dataType"`
	State                    SourcingState    `db:"state" json:"state"`
	DocumentIDs              pq.StringArray   `db:"document_ids" json:"documentIds"`
	ExpectedPublicationDates PublicationDates `db:"expected_publication_dates" json:"expectedPublicationDates"`
	DocumentCollector        *string          `db:"document_collector" json:"documentCollector,omitempty"`
	DataExtractor            *string          `db:"data_extractor" json:"dataExtractor,omitempty"`
	Priority                 RequestPriority  `db:"priority" json:"priority"`
	CreatedAt                time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt                time.Time        `db:"updated_at" json:"updatedAt"`
}

// Key returns the sourcing's key triple.
func (d *DataSourcing) Key() KeyTriple {
	return KeyTriple{CompanyID: d.CompanyID, DataType: d.DataType, ReportingPeriod: d.ReportingPeriod}
}

// DataSourcingFilter constrains sourcing listings.
type DataSourcingFilter struct {
	CompanyIDs []string
	States     []SourcingState
	Assignee   string
	Page       int
	PageSize   int
}

// DataSourcingWithRequests bundles a sourcing with the requests it serves.
type DataSourcingWithRequests struct {
	DataSourcing
	AssociatedRequests []DataRequest `json:"associatedRequests"`
}
