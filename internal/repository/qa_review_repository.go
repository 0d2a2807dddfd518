package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const reviewItemColumns = `q.id, q.submission_id, q.company_id, q.company_name, q.data_type, q.reporting_period, q.status,
       q.metadata, q.enqueue_timestamp, q.reviewer_id, q.reviewer_comment, q.archived_at`

// QaReviewRepository manages the review queue and verdict history.
type QaReviewRepository struct {
	db *sqlx.DB
}

// NewQaReviewRepository constructs the repository.
func NewQaReviewRepository(db *sqlx.DB) *QaReviewRepository {
	return &QaReviewRepository{db: db}
}

// Enqueue inserts a pending item. It returns false when the submission already has one.
func (r *QaReviewRepository) Enqueue(ctx context.Context, item *models.QaReviewItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueueTimestamp.IsZero() {
		item.EnqueueTimestamp = time.Now().UTC()
	}
	item.Status = models.ReviewItemPending
	const query = `INSERT INTO qa_review_items
	(id, submission_id, company_id, company_name, data_type, reporting_period, status, metadata, enqueue_timestamp)
	VALUES (:id, :submission_id, :company_id, :company_name, :data_type, :reporting_period, :status, :metadata, :enqueue_timestamp)
	ON CONFLICT (submission_id) WHERE status = 'Pending' DO NOTHING`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, item)
	if err != nil {
		return false, fmt.Errorf("enqueue review item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check enqueue rows: %w", err)
	}
	return rows == 1, nil
}

// RecordArchived inserts an already-decided item, used for automatic decisions.
// The caller supplies a deterministic id so redeliveries do not duplicate it.
func (r *QaReviewRepository) RecordArchived(ctx context.Context, item *models.QaReviewItem) error {
	const query = `INSERT INTO qa_review_items
	(id, submission_id, company_id, company_name, data_type, reporting_period, status, metadata, enqueue_timestamp,
	 reviewer_id, reviewer_comment, archived_at)
	VALUES (:id, :submission_id, :company_id, :company_name, :data_type, :reporting_period, :status, :metadata, :enqueue_timestamp,
	 :reviewer_id, :reviewer_comment, :archived_at)
	ON CONFLICT (id) DO NOTHING`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("record archived review item: %w", err)
	}
	return nil
}

// ResolveParams archives the pending item of a submission.
type ResolveParams struct {
	SubmissionID string
	Status       models.ReviewItemStatus
	ReviewerID   *string
	Comment      *string
	At           time.Time
}

// Resolve archives the pending item. It returns false when none was pending.
func (r *QaReviewRepository) Resolve(ctx context.Context, params ResolveParams) (bool, error) {
	const query = `UPDATE qa_review_items SET status = $1, reviewer_id = $2, reviewer_comment = $3, archived_at = $4
	WHERE submission_id = $5 AND status = 'Pending'`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, params.Status, params.ReviewerID, params.Comment, params.At, params.SubmissionID)
	if err != nil {
		return false, fmt.Errorf("resolve review item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check resolve rows: %w", err)
	}
	return rows > 0, nil
}

// AppendHistory records a verdict.
func (r *QaReviewRepository) AppendHistory(ctx context.Context, entry *models.QaReviewHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	const query = `INSERT INTO qa_review_history (id, submission_id, verdict, reviewer_id, comment, recorded_at)
	VALUES (:id, :submission_id, :verdict, :reviewer_id, :comment, :recorded_at)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append review history: %w", err)
	}
	return nil
}

// History lists verdicts for a submission, oldest first.
func (r *QaReviewRepository) History(ctx context.Context, submissionID string) ([]models.QaReviewHistory, error) {
	const query = `SELECT id, submission_id, verdict, reviewer_id, comment, recorded_at
	FROM qa_review_history WHERE submission_id = $1 ORDER BY recorded_at ASC, id ASC`
	var entries []models.QaReviewHistory
	if err := conn(ctx, r.db).SelectContext(ctx, &entries, query, submissionID); err != nil {
		return nil, fmt.Errorf("list review history: %w", err)
	}
	return entries, nil
}

func queueWhere(filter models.QaQueueFilter) *whereBuilder {
	w := &whereBuilder{}
	w.in("q.company_id", filter.CompanyIDs)
	w.in("q.data_type", filter.DataTypes)
	w.in("q.reporting_period", filter.ReportingPeriods)
	w.in("q.status", stringsOf(filter.Statuses))
	return w
}

// List returns one keyset page ordered by enqueue time (newest first), then company and submission id.
func (r *QaReviewRepository) List(ctx context.Context, filter models.QaQueueFilter, after *models.QaQueueCursor, limit int) ([]models.QaReviewItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	w := queueWhere(filter)
	if after != nil {
		t := w.arg(after.EnqueueTimestamp)
		c := w.arg(after.CompanyID)
		s := w.arg(after.SubmissionID)
		w.raw(fmt.Sprintf("(q.enqueue_timestamp < %s OR (q.enqueue_timestamp = %s AND (q.company_id, q.submission_id) > (%s, %s)))", t, t, c, s))
	}
	query := `SELECT ` + reviewItemColumns + ` FROM qa_review_items q` + w.clause() +
		fmt.Sprintf(" ORDER BY q.enqueue_timestamp DESC, q.company_id ASC, q.submission_id ASC LIMIT %d", limit)

	var items []models.QaReviewItem
	if err := conn(ctx, r.db).SelectContext(ctx, &items, query, w.args...); err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	return items, nil
}

// Count returns the number of items matching filter.
func (r *QaReviewRepository) Count(ctx context.Context, filter models.QaQueueFilter) (int, error) {
	w := queueWhere(filter)
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COUNT(*) FROM qa_review_items q`+w.clause(), w.args...); err != nil {
		return 0, fmt.Errorf("count review queue: %w", err)
	}
	return total, nil
}
