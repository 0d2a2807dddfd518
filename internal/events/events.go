// Package events defines the pipeline's wire contract: message type tags,
// payload shapes and the canonical broker topology.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/esg-pipeline/pkg/messaging"
)

// Message type tags. These strings are wire-stable.
const (
	TypeDatasetUploaded   = "Dataset uploaded"
	TypeDataPointUploaded = "Data point uploaded"
	TypeQaCompleted       = "QA completed"
	TypeStoreData         = "Store data"
	TypeDeleteData        = "Delete data"
	TypeDataStored        = "Data stored"
	TypeSendEmail         = "Send email"
)

// Verdict values carried by QaCompleted.
const (
	VerdictAccepted = "Accepted"
	VerdictRejected = "Rejected"
)

// DatasetUploaded starts the pipeline for a dataset.
type DatasetUploaded struct {
	DataID          string    `json:"dataId" validate:"required"`
	CompanyID       string    `json:"companyId" validate:"required"`
	CompanyName     string    `json:"companyName"`
	DataType        string    `json:"dataType" validate:"required"`
	ReportingPeriod string    `json:"reportingPeriod" validate:"required"`
	UploadTime      time.Time `json:"uploadTime" validate:"required"`
	UploaderUserID  string    `json:"uploaderUserId" validate:"required"`
	BypassQa        bool      `json:"bypassQa"`
	Private         bool      `json:"private"`
}

// DataPointUploaded starts the pipeline for a single data point.
type DataPointUploaded struct {
	DataPointID     string    `json:"dataPointId" validate:"required"`
	CompanyID       string    `json:"companyId" validate:"required"`
	CompanyName     string    `json:"companyName"`
	DataPointType   string    `json:"dataPointType" validate:"required"`
	ReportingPeriod string    `json:"reportingPeriod" validate:"required"`
	UploadTime      time.Time `json:"uploadTime" validate:"required"`
	UploaderUserID  string    `json:"uploaderUserId" validate:"required"`
	BypassQa        bool      `json:"bypassQa"`
	InitialQa       InitialQa `json:"initialQa"`
}

// InitialQaKind discriminates InitialQa variants on the wire.
type InitialQaKind string

const (
	InitialQaPreset          InitialQaKind = "preset"
	InitialQaCopyFromDataset InitialQaKind = "copyFromDataset"
)

// InitialQa tells the QA service how to seed a data point's review:
// either a preset status or the verdict of an existing dataset.
type InitialQa struct {
	Kind            InitialQaKind      `validate:"required,oneof=preset copyFromDataset"`
	Preset          *PresetQa          `validate:"required_if=Kind preset"`
	CopyFromDataset *CopyFromDatasetQa `validate:"required_if=Kind copyFromDataset"`
}

// PresetQa fixes the initial status.
type PresetQa struct {
	QaStatus string `json:"qaStatus" validate:"required,oneof=Pending Accepted Rejected"`
	Comment  string `json:"comment,omitempty"`
}

// CopyFromDatasetQa inherits the verdict of DatasetID.
type CopyFromDatasetQa struct {
	DatasetID string `json:"datasetId" validate:"required"`
}

type initialQaWire struct {
	Kind      InitialQaKind `json:"kind"`
	QaStatus  string        `json:"qaStatus,omitempty"`
	Comment   string        `json:"comment,omitempty"`
	DatasetID string        `json:"datasetId,omitempty"`
}

// MarshalJSON flattens the active variant next to its kind.
func (q InitialQa) MarshalJSON() ([]byte, error) {
	wire := initialQaWire{Kind: q.Kind}
	switch q.Kind {
	case InitialQaPreset:
		if q.Preset == nil {
			return nil, fmt.Errorf("initialQa: preset variant missing")
		}
		wire.QaStatus = q.Preset.QaStatus
		wire.Comment = q.Preset.Comment
	case InitialQaCopyFromDataset:
		if q.CopyFromDataset == nil {
			return nil, fmt.Errorf("initialQa: copyFromDataset variant missing")
		}
		wire.DatasetID = q.CopyFromDataset.DatasetID
	default:
		return nil, fmt.Errorf("initialQa: unknown kind %q", q.Kind)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the variant selected by kind.
func (q *InitialQa) UnmarshalJSON(data []byte) error {
	var wire initialQaWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case InitialQaPreset:
		*q = InitialQa{Kind: wire.Kind, Preset: &PresetQa{QaStatus: wire.QaStatus, Comment: wire.Comment}}
	case InitialQaCopyFromDataset:
		*q = InitialQa{Kind: wire.Kind, CopyFromDataset: &CopyFromDatasetQa{DatasetID: wire.DatasetID}}
	default:
		return fmt.Errorf("initialQa: unknown kind %q", wire.Kind)
	}
	return nil
}

// QaCompleted carries a review verdict.
type QaCompleted struct {
	DataID     string `json:"dataId" validate:"required"`
	Verdict    string `json:"verdict" validate:"required,oneof=Accepted Rejected"`
	Comment    string `json:"comment,omitempty"`
	ReviewerID string `json:"reviewerId,omitempty"`
}

// StoreData asks internal storage to commit an accepted submission.
type StoreData struct {
	DataID  string `json:"dataId" validate:"required"`
	Private bool   `json:"private"`
}

// DeleteData removes a submission from storage and review.
type DeleteData struct {
	DataID string `json:"dataId" validate:"required"`
}

// DataStored reports a committed submission.
type DataStored struct {
	DataID          string `json:"dataId" validate:"required"`
	StorageRef      string `json:"storageRef" validate:"required"`
	CompanyID       string `json:"companyId" validate:"required"`
	DataType        string `json:"dataType" validate:"required"`
	ReportingPeriod string `json:"reportingPeriod" validate:"required"`
	CurrentlyActive bool   `json:"currentlyActive"`
	Private         bool   `json:"private"`
}

// SendEmail is handed to the email service.
type SendEmail struct {
	TemplateID string            `json:"templateId,omitempty" validate:"required_without=RawContent"`
	RawContent string            `json:"rawContent,omitempty"`
	Recipients []string          `json:"recipients" validate:"required,min=1,dive,required"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewCodec returns a codec with every pipeline message registered.
func NewCodec(validate *validator.Validate) *messaging.Codec {
	c := messaging.NewCodec(validate)
	c.Register(TypeDatasetUploaded, DatasetUploaded{})
	c.Register(TypeDataPointUploaded, DataPointUploaded{})
	c.Register(TypeQaCompleted, QaCompleted{})
	c.Register(TypeStoreData, StoreData{})
	c.Register(TypeDeleteData, DeleteData{})
	c.Register(TypeDataStored, DataStored{})
	c.Register(TypeSendEmail, SendEmail{})
	return c
}
