package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

// StoredDataRepository holds the canonical committed payloads.
type StoredDataRepository struct {
	db *sqlx.DB
}

// NewStoredDataRepository constructs the repository.
func NewStoredDataRepository(db *sqlx.DB) *StoredDataRepository {
	return &StoredDataRepository{db: db}
}

// Insert writes the stored copy once. inserted is false when it already existed.
func (r *StoredDataRepository) Insert(ctx context.Context, data *models.StoredData) (bool, error) {
	const query = `INSERT INTO stored_data (submission_id, company_id, data_type, reporting_period, private, data, stored_at)
	VALUES (:submission_id, :company_id, :data_type, :reporting_period, :private, :data, :stored_at)
	ON CONFLICT (submission_id) DO NOTHING`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, data)
	if err != nil {
		return false, fmt.Errorf("insert stored data: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check stored data rows: %w", err)
	}
	return rows == 1, nil
}

// Get returns the stored copy of a submission.
func (r *StoredDataRepository) Get(ctx context.Context, submissionID string) (*models.StoredData, error) {
	const query = `SELECT submission_id, company_id, data_type, reporting_period, private, data, stored_at
	FROM stored_data WHERE submission_id = $1`
	var data models.StoredData
	if err := conn(ctx, r.db).GetContext(ctx, &data, query, submissionID); err != nil {
		return nil, err
	}
	return &data, nil
}

// Delete removes the stored copy. Missing rows are not an error.
func (r *StoredDataRepository) Delete(ctx context.Context, submissionID string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM stored_data WHERE submission_id = $1`, submissionID); err != nil {
		return fmt.Errorf("delete stored data: %w", err)
	}
	return nil
}
