package dto

// DeadLetterQuery binds GET /admin/dead-letters.
type DeadLetterQuery struct {
	Queue       string `form:"queue"`
	NotReplayed bool   `form:"notReplayed"`
	Page        int    `form:"page"`
	PageSize    int    `form:"pageSize"`
}

// ReplayResponse reports the outbox message created by a replay.
type ReplayResponse struct {
	DeadLetterID    string `json:"deadLetterId"`
	OutboxMessageID string `json:"outboxMessageId"`
	ReplayCount     int    `json:"replayCount"`
}
