package models

import "time"

// ReviewItemStatus tracks a queue entry. Only Pending items are active.
type ReviewItemStatus string

const (
	ReviewItemPending   ReviewItemStatus = "Pending"
	ReviewItemAccepted  ReviewItemStatus = "Accepted"
	ReviewItemRejected  ReviewItemStatus = "Rejected"
	ReviewItemWithdrawn ReviewItemStatus = "Withdrawn"
)

// Reviewer identities used for automatic decisions.
const (
	ReviewerBypass    = "system:bypass"
	ReviewerInitialQa = "system:initialQa"
)

// QaReviewItem is a queue entry referencing a submission awaiting a verdict.
type QaReviewItem struct {
	ID               string           `db:"id" json:"id"`
	SubmissionID     string           `db:"submission_id" json:"submissionId"`
	CompanyID        string           `db:"company_id" json:"companyId"`
	CompanyName      string           `db:"company_name" json:"companyName"`
	DataType         string           `db:"data_type" json:"dataType"`
	ReportingPeriod  string           `db:"reporting_period" json:"reportingPeriod"`
	Status           ReviewItemStatus `db:"status" json:"status"`
	Metadata         []byte           `db:"metadata" json:"-"`
	EnqueueTimestamp time.Time        `db:"enqueue_timestamp" json:"enqueueTimestamp"`
	ReviewerID       *string          `db:"reviewer_id" json:"reviewerId,omitempty"`
	ReviewerComment  *string          `db:"reviewer_comment" json:"reviewerComment,omitempty"`
	ArchivedAt       *time.Time       `db:"archived_at" json:"archivedAt,omitempty"`
}

// QaReviewHistory is an append-only verdict log entry.
type QaReviewHistory struct {
	ID           string    `db:"id" json:"id"`
	SubmissionID string    `db:"submission_id" json:"submissionId"`
	Verdict      QaStatus  `db:"verdict" json:"verdict"`
	ReviewerID   string    `db:"reviewer_id" json:"reviewerId"`
	Comment      *string   `db:"comment" json:"comment,omitempty"`
	RecordedAt   time.Time `db:"recorded_at" json:"recordedAt"`
}

// QaQueueFilter is the structured reviewer filter. Empty slices match everything.
type QaQueueFilter struct {
	CompanyIDs       []string
	DataTypes        []string
	ReportingPeriods []string
	Statuses         []ReviewItemStatus
}

// QaQueueCursor is the keyset position after the last returned row.
type QaQueueCursor struct {
	EnqueueTimestamp time.Time `json:"t"`
	CompanyID        string    `json:"c"`
	SubmissionID     string    `json:"s"`
}

// QaQueuePage is one page of the review queue.
type QaQueuePage struct {
	Items      []QaReviewItem
	NextCursor *QaQueueCursor
	TotalCount int
}
