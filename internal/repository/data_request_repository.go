package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/esg-pipeline/internal/models"
)

const dataRequestColumns = `id, company_id, data_type, reporting_period, user_id, creation_timestamp, last_modified_timestamp,
       priority, state, admin_comment, member_comment, sourcing_ref`

const priorityOrder = `CASE priority WHEN 'High' THEN 3 WHEN 'Medium' THEN 2 ELSE 1 END DESC`

// DataRequestRepository persists data requests and their history.
type DataRequestRepository struct {
	db *sqlx.DB
}

// NewDataRequestRepository constructs the repository.
func NewDataRequestRepository(db *sqlx.DB) *DataRequestRepository {
	return &DataRequestRepository{db: db}
}

// Create inserts a new request.
func (r *DataRequestRepository) Create(ctx context.Context, request *models.DataRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	const query = `INSERT INTO data_requests
	(id, company_id, data_type, reporting_period, user_id, creation_timestamp, last_modified_timestamp, priority, state,
	 admin_comment, member_comment, sourcing_ref)
	VALUES (:id, :company_id, :data_type, :reporting_period, :user_id, :creation_timestamp, :last_modified_timestamp, :priority, :state,
	 :admin_comment, :member_comment, :sourcing_ref)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create data request: %w", err)
	}
	return nil
}

// GetByID fetches a request, row-locking it inside a transaction.
func (r *DataRequestRepository) GetByID(ctx context.Context, id string) (*models.DataRequest, error) {
	query := `SELECT ` + dataRequestColumns + ` FROM data_requests WHERE id = $1`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var request models.DataRequest
	if err := conn(ctx, r.db).GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// Update persists the mutable columns of a request.
func (r *DataRequestRepository) Update(ctx context.Context, request *models.DataRequest) error {
	const query = `UPDATE data_requests SET state = :state, priority = :priority, admin_comment = :admin_comment,
	member_comment = :member_comment, sourcing_ref = :sourcing_ref, last_modified_timestamp = :last_modified_timestamp
	WHERE id = :id`
	result, err := conn(ctx, r.db).NamedExecContext(ctx, query, request)
	if err != nil {
		return fmt.Errorf("update data request: %w", err)
	}
	return expectOneRow(result, "update data request")
}

// AppendHistory appends an immutable snapshot.
func (r *DataRequestRepository) AppendHistory(ctx context.Context, entry *models.DataRequestHistory) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const query = `INSERT INTO data_request_history
	(id, request_id, state, admin_comment, member_comment, last_modified_timestamp, actor)
	VALUES (:id, :request_id, :state, :admin_comment, :member_comment, :last_modified_timestamp, :actor)`
	if _, err := conn(ctx, r.db).NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append data request history: %w", err)
	}
	return nil
}

// History returns every snapshot of a request in chronological order.
func (r *DataRequestRepository) History(ctx context.Context, requestID string) ([]models.DataRequestHistory, error) {
	const query = `SELECT id, request_id, state, admin_comment, member_comment, last_modified_timestamp, actor
	FROM data_request_history WHERE request_id = $1 ORDER BY last_modified_timestamp ASC`
	var entries []models.DataRequestHistory
	if err := conn(ctx, r.db).SelectContext(ctx, &entries, query, requestID); err != nil {
		return nil, fmt.Errorf("list data request history: %w", err)
	}
	return entries, nil
}

func requestWhere(filter models.DataRequestFilter) *whereBuilder {
	w := &whereBuilder{}
	w.in("company_id", filter.CompanyIDs)
	w.in("data_type", filter.DataTypes)
	w.in("reporting_period", filter.ReportingPeriods)
	w.in("state", stringsOf(filter.States))
	w.in("priority", stringsOf(filter.Priorities))
	if filter.UserID != "" {
		w.eq("user_id", filter.UserID)
	}
	if filter.SourcingID != "" {
		w.eq("sourcing_ref", filter.SourcingID)
	}
	return w
}

// List returns a page ordered by priority (High first), creation time, company and id.
func (r *DataRequestRepository) List(ctx context.Context, filter models.DataRequestFilter) ([]models.DataRequest, int, error) {
	w := requestWhere(filter)
	var total int
	if err := conn(ctx, r.db).GetContext(ctx, &total, `SELECT COUNT(*) FROM data_requests`+w.clause(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count data requests: %w", err)
	}

	limit, offset := clampPage(filter.Page, filter.PageSize)
	query := `SELECT ` + dataRequestColumns + ` FROM data_requests` + w.clause() +
		` ORDER BY ` + priorityOrder + `, creation_timestamp ASC, company_id ASC, id ASC` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	var requests []models.DataRequest
	if err := conn(ctx, r.db).SelectContext(ctx, &requests, query, w.args...); err != nil {
		return nil, 0, fmt.Errorf("list data requests: %w", err)
	}
	return requests, total, nil
}

// ListActiveByKey locks every Open or Processing request on key.
func (r *DataRequestRepository) ListActiveByKey(ctx context.Context, key models.KeyTriple) ([]models.DataRequest, error) {
	query := `SELECT ` + dataRequestColumns + ` FROM data_requests
	WHERE company_id = $1 AND data_type = $2 AND reporting_period = $3 AND state IN ('Open', 'Processing')
	ORDER BY creation_timestamp ASC, id ASC`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var requests []models.DataRequest
	if err := conn(ctx, r.db).SelectContext(ctx, &requests, query, key.CompanyID, key.DataType, key.ReportingPeriod); err != nil {
		return nil, fmt.Errorf("list active data requests: %w", err)
	}
	return requests, nil
}

// ListBySourcing returns requests linked to a sourcing, locking them inside a transaction.
func (r *DataRequestRepository) ListBySourcing(ctx context.Context, sourcingID string) ([]models.DataRequest, error) {
	query := `SELECT ` + dataRequestColumns + ` FROM data_requests WHERE sourcing_ref = $1
	ORDER BY ` + priorityOrder + `, creation_timestamp ASC, company_id ASC, id ASC`
	if inTx(ctx) {
		query += " FOR UPDATE"
	}
	var requests []models.DataRequest
	if err := conn(ctx, r.db).SelectContext(ctx, &requests, query, sourcingID); err != nil {
		return nil, fmt.Errorf("list data requests by sourcing: %w", err)
	}
	return requests, nil
}

// ExistsActiveForUser reports whether userID already has an active request on key.
func (r *DataRequestRepository) ExistsActiveForUser(ctx context.Context, userID string, key models.KeyTriple) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM data_requests
	WHERE user_id = $1 AND company_id = $2 AND data_type = $3 AND reporting_period = $4 AND state IN ('Open', 'Processing'))`
	var exists bool
	if err := conn(ctx, r.db).GetContext(ctx, &exists, query, userID, key.CompanyID, key.DataType, key.ReportingPeriod); err != nil {
		return false, fmt.Errorf("check active data request: %w", err)
	}
	return exists, nil
}
