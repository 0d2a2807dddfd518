package models

import "time"

// SubmissionKind distinguishes whole datasets from single data points.
type SubmissionKind string

const (
	SubmissionKindDataset   SubmissionKind = "dataset"
	SubmissionKindDataPoint SubmissionKind = "dataPoint"
)

// SubmissionState is the lifecycle position of a submission.
type SubmissionState string

const (
	SubmissionStateReceived  SubmissionState = "Received"
	SubmissionStatePendingQa SubmissionState = "PendingQa"
	SubmissionStateAccepted  SubmissionState = "Accepted"
	SubmissionStateRejected  SubmissionState = "Rejected"
	SubmissionStateStored    SubmissionState = "Stored"
)

var submissionTransitions = map[SubmissionState][]SubmissionState{
	SubmissionStateReceived:  {SubmissionStatePendingQa, SubmissionStateAccepted},
	SubmissionStatePendingQa: {SubmissionStateAccepted, SubmissionStateRejected},
	SubmissionStateAccepted:  {SubmissionStateStored, SubmissionStatePendingQa},
	SubmissionStateRejected:  {SubmissionStatePendingQa},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SubmissionState) CanTransitionTo(next SubmissionState) bool {
	for _, candidate := range submissionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// QaStatus is the review verdict carried by a submission.
type QaStatus string

const (
	QaStatusPending  QaStatus = "Pending"
	QaStatusAccepted QaStatus = "Accepted"
	QaStatusRejected QaStatus = "Rejected"
)

// Valid reports whether q is a known status.
func (q QaStatus) Valid() bool {
	switch q {
	case QaStatusPending, QaStatusAccepted, QaStatusRejected:
		return true
	}
	return false
}

// Submission is one dataset or data point moving through the pipeline.
type Submission struct {
	ID              string          `db:"id" json:"id"`
	Kind            SubmissionKind  `db:"kind" json:"kind"`
	CompanyID       string          `db:"company_id" json:"companyId"`
	CompanyName     string          `db:"company_name" json:"companyName"`
	DataType        string          `db:"data_type" json:"dataType"`
	ReportingPeriod string          `db:"reporting_period" json:"reportingPeriod"`
	UploaderID      string          `db:"uploader_id" json:"uploaderId"`
	UploadTimestamp time.Time       `db:"upload_timestamp" json:"uploadTimestamp"`
	PayloadRef      string          `db:"payload_ref" json:"payloadRef"`
	BypassQa        bool            `db:"bypass_qa" json:"bypassQa"`
	Private         bool            `db:"private" json:"private"`
	State           SubmissionState `db:"state" json:"state"`
	QaStatus        QaStatus        `db:"qa_status" json:"qaStatus"`
	QaComment       *string         `db:"qa_comment" json:"qaComment,omitempty"`
	ReviewedBy      *string         `db:"reviewed_by" json:"reviewedBy,omitempty"`
	CurrentlyActive bool            `db:"currently_active" json:"currentlyActive"`
	StoredAt        *time.Time      `db:"stored_at" json:"storedAt,omitempty"`
	DeletedAt       *time.Time      `db:"deleted_at" json:"deletedAt,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// Deleted reports whether the submission was soft-deleted.
func (s *Submission) Deleted() bool {
	return s.DeletedAt != nil
}

// KeyTriple identifies the company/type/period slot a submission competes for.
type KeyTriple struct {
	CompanyID       string `db:"company_id" json:"companyId"`
	DataType        string `db:"data_type" json:"dataType"`
	ReportingPeriod string `db:"reporting_period" json:"reportingPeriod"`
}

// Key returns the submission's key triple.
func (s *Submission) Key() KeyTriple {
	return KeyTriple{CompanyID: s.CompanyID, DataType: s.DataType, ReportingPeriod: s.ReportingPeriod}
}

// StoredData is the canonical committed copy of an accepted submission.
type StoredData struct {
	SubmissionID    string    `db:"submission_id" json:"submissionId"`
	CompanyID       string    `db:"company_id" json:"companyId"`
	DataType        string    `db:"data_type" json:"dataType"`
	ReportingPeriod string    `db:"reporting_period" json:"reportingPeriod"`
	Private         bool      `db:"private" json:"private"`
	Data            []byte    `db:"data" json:"-"`
	StoredAt        time.Time `db:"stored_at" json:"storedAt"`
}
