package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const dataSourcingColumns = `id, company_id, reporting_period, data_type, state, document_ids, expected_publication_dates,
       document_collector, data_extractor, priority, created_at, updated_at`

// DataSourcingRepository persists sourcing efforts.
type DataSourcingRepository struct {
	db *sqlx.DB
}

// NewDataSourcingRepository constructs the repository.
func NewDataSourcingRepository(db *sqlx.DB) *DataSourcingRepository {
	return &DataSourcingRepository{db: db}
}

type upsertedSourcing struct {
	models.DataSourcing
	Inserted bool `db:"inserted"`
}

// GetOrCreate returns the single active sourcing for key, creating it when absent.
// The partial unique index on non-terminal sourcings makes concurrent callers converge on one row.
func (r *DataSourcingRepository) GetOrCreate(ctx context.Context, key models.KeyTriple, priority models.RequestPriority) (*models.DataSourcing, bool, error) {
	now := time.Now().UTC()
	query := `INSERT INTO data_sourcings (id, company_id, reporting_period, data_type, state, priority, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	ON CONFLICT (company_id, reporting_period, data_type) WHERE state NOT IN ('Done', 'NonSourceable')
	DO UPDATE SET updated_at = data_sourcings.updated_at
	RETURNING ` + dataSourcingColumns + `, (xmax = 0) AS inserted`
	var row upsertedSourcing
	if err := conn(ctx, r.db).GetContext(ctx, &row, query,
		uuid.NewString(), key.CompanyID, key.ReportingPeriod, key.DataType, models.SourcingStateInitialized, priority, now); err != nil {
		return nil, false, fmt.Errorf("get or create data sourcing: %w", err)
	}
	return &row.DataSourcing, row.Inserted, nil
}

// GetByID fetches a sourcing, row-locking it inside a transaction.
func (r *DataSourcingRepository) GetByID(ctx context.Context, id string) (*models.DataSourcing, error) {
	query := `SELECT ` + dataSourcingColumns + ` FROM data_sourcings WHERE id = $1`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var sourcing models.DataSourcing
	if err := conn(ctx, r.db).GetContext(ctx, &sourcing, query, id); err != nil {
		return nil, err
	}
	return &sourcing, nil
}

// ActiveForKey returns the non-terminal sourcing for key, or sql.ErrNoRows.
func (r *DataSourcingRepository) ActiveForKey(ctx context.Context, key models.KeyTriple) (*models.DataSourcing, error) {
	query := `SELECT ` + dataSourcingColumns + ` FROM data_sourcings
	WHERE company_id = $1 AND reporting_period = $2 AND data_type = $3 AND state NOT IN ('Done', 'NonSourceable')`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var sourcing models.DataSourcing
	if err := conn(ctx, r.db).GetContext(ctx, &sourcing, query, key.CompanyID, key.ReportingPeriod, key.DataType); err != nil {
		return nil, err
	}
	return &sourcing, nil
}

// Update persists the mutable columns of a sourcing.
func (r *DataSourcingRepository) Update(ctx context.Context, sourcing *models.DataSourcing) error {
	sourcing.UpdatedAt = time.Now().UTC()
	const query = `UPDATE data_sourcings SET state = :state, document_ids = :document_ids,
	expected_publication_dates = :expected_publication_dates, document_collector = :document_collector,
	data_extractor = :data_extractor, priority = :priority, updated_at = :updated_at
	WHERE id = :id`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, sourcing)
	if err != nil {
		return fmt.Errorf("update data sourcing: %w", err)
	}
	return expectOneRow(result, "update data sourcing")
}

// List returns a page ordered by priority (High first), creation time and id.
func (r *DataSourcingRepository) List(ctx context.Context, filter models.DataSourcingFilter) ([]models.DataSourcing, int, error) {
	w := &whereBuilder{}
	w.in("company_id", filter.CompanyIDs)
	w.in("state", stringsOf(filter.States))
	if filter.Assignee != "" {
		p := w.arg(filter.Assignee)
		w.raw(fmt.Sprintf("(document_collector = %s OR data_extractor = %s)", p, p))
	}
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COUNT(*) FROM data_sourcings`+w.clause(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count data sourcings: %w", err)
	}

	limit, offset := clampPage(filter.Page, filter.PageSize)
	query := `SELECT ` + dataSourcingColumns + ` FROM data_sourcings` + w.clause() +
		` ORDER BY ` + priorityOrder + `, created_at ASC, id ASC` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	var sourcings []models.DataSourcing
	if err := conn(ctx, r.db).SelectContext(ctx, &sourcings, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list data sourcings: %w", err)
	}
	return sourcings, total, nil
}
