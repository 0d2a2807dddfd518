package models

import "time"

// OutboxMessage is a broker message written in the same transaction as the
// state change that produced it. The relay publishes it after commit.
// TargetQueue, when set, restricts delivery to that one bound queue.
type OutboxMessage struct {
	ID            string     `db:"id" json:"id"`
	Operation     string     `db:"operation" json:"operation"`
	MessageType   string     `db:"message_type" json:"messageType"`
	CorrelationID string     `db:"correlation_id" json:"correlationId"`
	Exchange      string     `db:"exchange" json:"exchange"`
	RoutingKey    string     `db:"routing_key" json:"routingKey"`
	TargetQueue   string     `db:"target_queue" json:"targetQueue,omitempty"`
	Body          []byte     `db:"body" json:"-"`
	Attempts      int        `db:"attempts" json:"attempts"`
	LastError     *string    `db:"last_error" json:"lastError,omitempty"`
	ClaimedUntil  *time.Time `db:"claimed_until" json:"claimedUntil,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	PublishedAt   *time.Time `db:"published_at" json:"publishedAt,omitempty"`
}

// DeadLetter is an archived message that exhausted its retry budget or failed to decode.
type DeadLetter struct {
	ID                 string     `db:"id" json:"id"`
	Queue              string     `db:"queue" json:"queue"`
	OriginalExchange   string     `db:"original_exchange" json:"originalExchange"`
	OriginalRoutingKey string     `db:"original_routing_key" json:"originalRoutingKey"`
	MessageType        *string    `db:"message_type" json:"messageType,omitempty"`
	CorrelationID      *string    `db:"correlation_id" json:"correlationId,omitempty"`
	Body               []byte     `db:"body" json:"-"`
	Error              string     `db:"error" json:"error"`
	Attempts           int        `db:"attempts" json:"attempts"`
	DeadLetteredAt     time.Time  `db:"dead_lettered_at" json:"deadLetteredAt"`
	ReplayCount        int        `db:"replay_count" json:"replayCount"`
	LastReplayedAt     *time.Time `db:"last_replayed_at" json:"lastReplayedAt,omitempty"`
}

// DeadLetterFilter constrains dead-letter listings.
type DeadLetterFilter struct {
	Queue       string
	NotReplayed bool
	Page        int
	PageSize    int
}
