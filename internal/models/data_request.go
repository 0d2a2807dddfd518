package models

import "time"

// RequestPriority orders operator listings only.
type RequestPriority string

const (
	PriorityLow    RequestPriority = "Low"
	PriorityMedium RequestPriority = "Medium"
	PriorityHigh   RequestPriority = "High"
)

// Valid reports whether p is a known priority.
func (p RequestPriority) Valid() bool {
	return p.Rank() > 0
}

// Rank maps priorities to comparable integers, higher is more urgent.
func (p RequestPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	}
	return 0
}

// RequestState is the fulfillment position of a data request.
type RequestState string

const (
	RequestStateOpen       RequestState = "Open"
	RequestStateProcessing RequestState = "Processing"
	RequestStateProcessed  RequestState = "Processed"
	RequestStateRejected   RequestState = "Rejected"
	RequestStateWithdrawn  RequestState = "Withdrawn"
)

var requestTransitions = map[RequestState][]RequestState{
	RequestStateOpen:       {RequestStateProcessing, RequestStateProcessed, RequestStateRejected, RequestStateWithdrawn},
	RequestStateProcessing: {RequestStateProcessed, RequestStateRejected, RequestStateWithdrawn},
	RequestStateProcessed:  {RequestStateOpen},
	RequestStateWithdrawn:  {RequestStateOpen},
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	switch s {
	case RequestStateOpen, RequestStateProcessing, RequestStateProcessed, RequestStateRejected, RequestStateWithdrawn:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s RequestState) CanTransitionTo(next RequestState) bool {
	for _, candidate := range requestTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Active reports whether the request still awaits fulfillment.
func (s RequestState) Active() bool {
	return s == RequestStateOpen || s == RequestStateProcessing
}

// DataRequest is a user's ask for one company/type/period combination.
type DataRequest struct {
	ID                    string          `db:"id" json:"id"`
	CompanyID             string          `db:"company_id" json:"companyId"`
	DataType              string          `db:"data_type" json:"dataType"`
	ReportingPeriod       string          `db:"reporting_period" json:"reportingPeriod"`
	UserID                string          `db:"user_id" json:"userId"`
	CreationTimestamp     time.Time       `db:"creation_timestamp" json:"creationTimestamp"`
	LastModifiedTimestamp time.Time       `db:"last_modified_timestamp" json:"lastModifiedTimestamp"`
	Priority              RequestPriority `db:"priority" json:"priority"`
	State                 RequestState    `db:"state" json:"state"`
	AdminComment          *string         `db:"admin_comment" json:"adminComment,omitempty"`
	MemberComment         *string         `db:"member_comment" json:"memberComment,omitempty"`
	SourcingRef           *string         `db:"sourcing_ref" json:"sourcingRef,omitempty"`
}

// Key returns the request's key triple.
func (r *DataRequest) Key() KeyTriple {
	return KeyTriple{CompanyID: r.CompanyID, DataType: r.DataType, ReportingPeriod: r.ReportingPeriod}
}

// NextModified returns the timestamp for the next change, strictly after the previous one.
func (r *DataRequest) NextModified(now time.Time) time.Time {
	floor := r.LastModifiedTimestamp.Add(time.Millisecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

// DataRequestHistory is an append-only snapshot written with every change.
type DataRequestHistory struct {
	ID                    string       `db:"id" json:"id"`
	RequestID             string       `db:"request_id" json:"requestId"`
	State                 RequestState `db:"state" json:"state"`
	AdminComment          *string      `db:"admin_comment" json:"adminComment,omitempty"`
	MemberComment         *string      `db:"member_comment" json:"memberComment,omitempty"`
	LastModifiedTimestamp time.Time    `db:"last_modified_timestamp" json:"lastModifiedTimestamp"`
	Actor                 string       `db:"actor" json:"actor"`
}

// HistoryEntry builds the history row for the request's current values.
func (r *DataRequest) HistoryEntry(actor string) DataRequestHistory {
	return DataRequestHistory{
		RequestID:             r.ID,
		State:                 r.State,
		AdminComment:          r.AdminComment,
		MemberComment:         r.MemberComment,
		LastModifiedTimestamp: r.LastModifiedTimestamp,
		Actor:                 actor,
	}
}

// DataRequestFilter constrains operator listings.
type DataRequestFilter struct {
	CompanyIDs       []string
	DataTypes        []string
	ReportingPeriods []string
	States           []RequestState
	Priorities       []RequestPriority
	UserID           string
	SourcingID       string
	Page             int
	PageSize         int
}
