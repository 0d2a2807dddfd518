package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const outboxColumns = `id, operation, message_type, correlation_id, exchange, routing_key, target_queue, body, attempts, last_error,
       claimed_until, created_at, published_at`

// OutboxRepository stores messages awaiting publication.
type OutboxRepository struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs the repository.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Add writes a message. Call it inside the transaction that produced the message.
func (r *OutboxRepository) Add(ctx context.Context, msg *models.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO outbox_messages (id, operation, message_type, correlation_id, exchange, routing_key, target_queue, body, created_at)
	VALUES (:id, :operation, :message_type, :correlation_id, :exchange, :routing_key, :target_queue, :body, :created_at)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("add outbox message: %w", err)
	}
	return nil
}

// Claim leases up to limit unpublished messages for ttl in a single statement.
// Rows claimed by another relay are skipped, expired claims are taken over.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, ttl time.Duration) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	now := time.Now().UTC()
	query := `UPDATE outbox_messages SET claimed_until = $1
	WHERE id IN (
		SELECT id FROM outbox_messages
		WHERE published_at IS NULL AND (claimed_until IS NULL OR claimed_until < $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + outboxColumns
	var messages []models.OutboxMessage
	if err := conn(ctx, r.db).SelectContext(ctx, &messages, query, now.Add(ttl), now, limit); err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// MarkPublished records a successful publish.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE outbox_messages SET published_at = $1, claimed_until = NULL, last_error = NULL WHERE id = $2`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("mark outbox message published: %w", err)
	}
	return nil
}

// MarkFailed releases the claim and records the failure so the next poll retries.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, cause string) error {
	const query = `UPDATE outbox_messages SET attempts = attempts + 1, last_error = $1, claimed_until = NULL WHERE id = $2`
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, cause, id); err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}

// CountPending returns the unpublished backlog.
func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COUNT(*) FROM outbox_messages WHERE published_at IS NULL`); err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return total, nil
}
