package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const deadLetterColumns = `id, queue, original_exchange, original_routing_key, message_type, correlation_id, body, error,
       attempts, dead_lettered_at, replay_count, last_replayed_at`

// DeadLetterRepository archives dead-lettered messages for operators.
type DeadLetterRepository struct {
	db *sqlx.DB
}

// NewDeadLetterRepository constructs the repository.
func NewDeadLetterRepository(db *sqlx.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert archives a dead letter. Redeliveries of the same dead letter are ignored.
func (r *DeadLetterRepository) Insert(ctx context.Context, letter *models.DeadLetter) (bool, error) {
	const query = `INSERT INTO dead_letters
	(id, queue, original_exchange, original_routing_key, message_type, correlation_id, body, error, attempts, dead_lettered_at)
	VALUES (:id, :queue, :original_exchange, :original_routing_key, :message_type, :correlation_id, :body, :error, :attempts, :dead_lettered_at)
	ON CONFLICT (id) DO NOTHING`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, letter)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check dead letter rows: %w", err)
	}
	return rows == 1, nil
}

// GetByID fetches a dead letter, row-locking it inside a transaction.
func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var letter models.DeadLetter
	if err := conn(ctx, r.db).GetContext(ctx, &letter, query, id); err != nil {
		return nil, err
	}
	return &letter, nil
}

// List returns dead letters, newest first.
func (r *DeadLetterRepository) List(ctx context.Context, filter models.DeadLetterFilter) ([]models.DeadLetter, int, error) {
	w := &whereBuilder{}
	if filter.Queue != "" {
		w.eq("queue", filter.Queue)
	}
	if filter.NotReplayed {
		w.raw("replay_count = 0")
	}
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COUNT(*) FROM dead_letters`+w.clause(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}
	limit, offset := clampPage(filter.Page, filter.PageSize)
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters` + w.clause() +
		fmt.Sprintf(" ORDER BY dead_lettered_at DESC, id ASC LIMIT %d OFFSET %d", limit, offset)
	var letters []models.DeadLetter
	if err := conn(ctx, r.db).SelectContext(ctx, &letters, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	return letters, total, nil
}

// MarkReplayed bumps the replay counter.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE dead_letters SET replay_count = replay_count + 1, last_replayed_at = $1 WHERE id = $2`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	return expectOneRow(result, "mark dead letter replayed")
}
