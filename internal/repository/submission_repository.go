package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const submissionColumns = `id, kind, company_id, company_name, data_type, reporting_period, uploader_id,
       upload_timestamp, payload_ref, bypass_qa, private, state, qa_status, qa_comment, reviewed_by,
       currently_active, stored_at, deleted_at, created_at, updated_at`

// SubmissionRepository persists pipeline submissions.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a new submission row.
func (r *SubmissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	now := time.Now().UTC()
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = now
	}
	submission.UpdatedAt = now
	const query = `INSERT INTO submissions
	(id, kind, company_id, company_name, data_type, reporting_period, uploader_id, upload_timestamp, payload_ref,
	 bypass_qa, private, state, qa_status, qa_comment, reviewed_by, currently_active, created_at, updated_at)
	VALUES (:id, :kind, :company_id, :company_name, :data_type, :reporting_period, :uploader_id, :upload_timestamp, :payload_ref,
	 :bypass_qa, :private, :state, :qa_status, :qa_comment, :reviewed_by, :currently_active, :created_at, :updated_at)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, submission); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// GetByID fetches a submission, including soft-deleted rows.
func (r *SubmissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	var submission models.Submission
	if err := conn(ctx, r.db).GetContext(ctx, &submission, query, id); err != nil {
		return nil, err
	}
	return &submission, nil
}

// GetForUpdate fetches a submission and row-locks it when called inside a transaction.
func (r *SubmissionRepository) GetForUpdate(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var submission models.Submission
	if err := conn(ctx, r.db).GetContext(ctx, &submission, query, id); err != nil {
		return nil, err
	}
	return &submission, nil
}

// TransitionParams describes an optimistic state change.
type TransitionParams struct {
	ID         string
	From       []models.SubmissionState
	To         models.SubmissionState
	QaStatus   models.QaStatus
	Comment    *string
	ReviewedBy *string
}

// Transition moves a live submission to params.To if it is still in one of params.From.
// It returns sql.ErrNoRows when the precondition no longer holds.
func (r *SubmissionRepository) Transition(ctx context.Context, params TransitionParams) error {
	from := make([]string, len(params.From))
	for i, state := range params.From {
		from[i] = string(state)
	}
	const query = `UPDATE submissions
	SET state = $1, qa_status = $2, qa_comment = $3, reviewed_by = $4, updated_at = $5
	WHERE id = $6 AND state = ANY($7) AND deleted_at IS NULL`
	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		params.To, params.QaStatus, params.Comment, params.ReviewedBy, time.Now().UTC(), params.ID, pq.Array(from))
	if err != nil {
		return fmt.Errorf("transition submission: %w", err)
	}
	return expectOneRow(result, "transition submission")
}

// LockKey serialises commits competing for the same key triple until the transaction ends.
func (r *SubmissionRepository) LockKey(ctx context.Context, key models.KeyTriple) error {
	const query = `SELECT pg_advisory_xact_lock(hashtext($1))`
	lockKey := key.CompanyID + "|" + key.DataType + "|" + key.ReportingPeriod
	if _, err := conn(ctx, r.db).ExecContext(ctx, query, lockKey); err != nil {
		return fmt.Errorf("lock submission key: %w", err)
	}
	return nil
}

// ActiveForKey returns the currently active submission for key, or sql.ErrNoRows.
func (r *SubmissionRepository) ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions
	WHERE company_id = $1 AND data_type = $2 AND reporting_period = $3 AND currently_active`
	var submission models.Submission
	if err := conn(ctx, r.db).GetContext(ctx, &submission, query, key.CompanyID, key.DataType, key.ReportingPeriod); err != nil {
		return nil, err
	}
	return &submission, nil
}

// DeactivateKey clears the active flag on every other submission of key.
func (r *SubmissionRepository) DeactivateKey(ctx context.Context, key models.KeyTriple, exceptID string) (int64, error) {
	const query = `UPDATE submissions SET currently_active = FALSE, updated_at = $1
	WHERE company_id = $2 AND data_type = $3 AND reporting_period = $4 AND currently_active AND id <> $5`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, time.Now().UTC(), key.CompanyID, key.DataType, key.ReportingPeriod, exceptID)
	if err != nil {
		return 0, fmt.Errorf("deactivate submissions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check deactivate rows: %w", err)
	}
	return rows, nil
}

// MarkStored moves an Accepted submission to Stored and sets its active flag.
func (r *SubmissionRepository) MarkStored(ctx context.Context, id string, active bool, storedAt time.Time) error {
	const query = `UPDATE submissions SET state = $1, currently_active = $2, stored_at = $3, updated_at = $3
	WHERE id = $4 AND state = $5 AND deleted_at IS NULL`
	result, err := conn(ctx, r.db).ExecContext(ctx, query,
		models.SubmissionStateStored, active, storedAt, id, models.SubmissionStateAccepted)
	if err != nil {
		return fmt.Errorf("mark submission stored: %w", err)
	}
	return expectOneRow(result, "mark submission stored")
}

// SoftDelete hides a submission from the pipeline and releases its active slot.
func (r *SubmissionRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE submissions SET deleted_at = $1, currently_active = FALSE, updated_at = $1
	WHERE id = $2 AND deleted_at IS NULL`
	result, err := conn(ctx, r.db).ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return expectOneRow(result, "delete submission")
}
