package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/procureflow-api/internal/models"
)

const requestColumns = `id, request_number, title, purpose, institution, department, cost_estimate,
       expense_category, sop_reference, attachments, status, pending_query, query_level,
       budget_available, budget_allocated, budget_spent, budget_balance,
       sent_directly_to_dean, budget_not_available, requester_id, requester_name,
       history, version, created_at, updated_at`

// RequestRepository persists purchase requests and their history.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a new request row with its CREATE history entry.
func (r *RequestRepository) Create(ctx context.Context, request *models.Request) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = now
	request.Version = 1
	const query = `INSERT INTO requests
	(id, request_number, title, purpose, institution, department, cost_estimate, expense_category,
	 sop_reference, attachments, status, pending_query, query_level, budget_available,
	 budget_allocated, budget_spent, budget_balance, sent_directly_to_dean, budget_not_available,
	 requester_id, requester_name, history, version, created_at, updated_at)
	VALUES (:id, :request_number, :title, :purpose, :institution, :department, :cost_estimate, :expense_category,
	 :sop_reference, :attachments, :status, :pending_query, :query_level, :budget_available,
	 :budget_allocated, :budget_spent, :budget_balance, :sent_directly_to_dean, :budget_not_available,
	 :requester_id, :requester_name, :history, :version, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	var request models.Request
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// List returns requests matching the filter with a total count.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.Institution != "" {
		args = append(args, filter.Institution)
		conditions = append(conditions, fmt.Sprintf("institution = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf("(LOWER(title) LIKE $%d OR request_number LIKE $%d)", len(args), len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"created_at":    true,
		"updated_at":    true,
		"cost_estimate": true,
		"title":         true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "updated_at"
	}
	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	query := fmt.Sprintf("SELECT %s FROM requests%s ORDER BY %s %s LIMIT %d OFFSET %d",
		requestColumns, where, sortBy, sortOrder, pageSize, offset)

	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return requests, total, nil
}

// NumberExists reports whether a human-facing request number is taken.
func (r *RequestRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM requests WHERE request_number = $1", number); err != nil {
		return false, fmt.Errorf("check request number: %w", err)
	}
	return count > 0, nil
}

// AppendHistoryParams groups the columns one workflow action may change.
// MergeAttachments are concatenated onto the request's top-level list; the
// append to the history array and every column update run in one guarded
// UPDATE so readers never observe a new entry with a stale status.
type AppendHistoryParams struct {
	ID               string
	Entry            models.HistoryEntry
	Status           models.RequestStatus
	PendingQuery     bool
	QueryLevel       models.UserRole
	SOPReference     *string
	BudgetAvailable  *bool
	BudgetAllocated  *float64
	BudgetSpent      *float64
	BudgetBalance    *float64
	SentToDean       *bool
	BudgetNotAvail   *bool
	MergeAttachments []string
	ExpectedVersion  int
}

// AppendHistoryAndUpdate applies one workflow action atomically, guarded by
// the optimistic version counter. sql.ErrNoRows signals a concurrent writer
// won; the caller re-reads and re-validates.
func (r *RequestRepository) AppendHistoryAndUpdate(ctx context.Context, params AppendHistoryParams) error {
	entryJSON, err := json.Marshal(params.Entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	setParts := []string{
		"history = history || CAST(:entry AS jsonb)",
		"status = :status",
		"pending_query = :pending_query",
		"query_level = :query_level",
		"version = version + 1",
		"updated_at = :updated_at",
	}
	named := map[string]interface{}{
		"id":               params.ID,
		"entry":            string(entryJSON),
		"status":           params.Status,
		"pending_query":    params.PendingQuery,
		"query_level":      params.QueryLevel,
		"updated_at":       time.Now().UTC(),
		"expected_version": params.ExpectedVersion,
	}
	if params.SOPReference != nil {
		setParts = append(setParts, "sop_reference = :sop_reference")
		named["sop_reference"] = *params.SOPReference
	}
	if params.BudgetAvailable != nil {
		setParts = append(setParts, "budget_available = :budget_available")
		named["budget_available"] = *params.BudgetAvailable
	}
	if params.BudgetAllocated != nil {
		setParts = append(setParts, "budget_allocated = :budget_allocated")
		named["budget_allocated"] = *params.BudgetAllocated
	}
	if params.BudgetSpent != nil {
		setParts = append(setParts, "budget_spent = :budget_spent")
		named["budget_spent"] = *params.BudgetSpent
	}
	if params.BudgetBalance != nil {
		setParts = append(setParts, "budget_balance = :budget_balance")
		named["budget_balance"] = *params.BudgetBalance
	}
	if params.SentToDean != nil {
		setParts = append(setParts, "sent_directly_to_dean = :sent_directly_to_dean")
		named["sent_directly_to_dean"] = *params.SentToDean
	}
	if params.BudgetNotAvail != nil {
		setParts = append(setParts, "budget_not_available = :budget_not_available")
		named["budget_not_available"] = *params.BudgetNotAvail
	}
	if len(params.MergeAttachments) > 0 {
		merged, err := json.Marshal(params.MergeAttachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		setParts = append(setParts, "attachments = attachments || CAST(:new_attachments AS jsonb)")
		named["new_attachments"] = string(merged)
	}

	query := fmt.Sprintf("UPDATE requests SET %s WHERE id = :id AND version = :expected_version",
		strings.Join(setParts, ", "))
	result, err := r.db.NamedExecContext(ctx, query, named)
	if err != nil {
		return fmt.Errorf("apply request action: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check request update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
