package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/procureflow-api/internal/models"
)

// AttachmentRepository handles attachment metadata persistence.
type AttachmentRepository struct {
	db *sqlx.DB
}

// NewAttachmentRepository constructs the repository.
func NewAttachmentRepository(db *sqlx.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create stores metadata for an uploaded file.
func (r *AttachmentRepository) Create(ctx context.Context, item *models.Attachment) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.UploadedAt.IsZero() {
		item.UploadedAt = time.Now().UTC()
	}
	const query = `INSERT INTO attachments
	(id, file_name, original_name, mime_type, size_bytes, request_id, uploaded_by, uploaded_at, deleted_at)
	VALUES (:id, :file_name, :original_name, :mime_type, :size_bytes, :request_id, :uploaded_by, :uploaded_at, :deleted_at)`
	if _, err := r.db.NamedExecContext(ctx, query, item); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// GetByID retrieves one attachment row.
func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	const query = `SELECT id, file_name, original_name, mime_type, size_bytes, request_id, uploaded_by, uploaded_at, deleted_at
	FROM attachments WHERE id = $1`
	var item models.Attachment
	if err := r.db.GetContext(ctx, &item, query, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListByRequest returns the live attachments linked to a request.
func (r *AttachmentRepository) ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error) {
	const query = `SELECT id, file_name, original_name, mime_type, size_bytes, request_id, uploaded_by, uploaded_at, deleted_at
	FROM attachments WHERE request_id = $1 AND deleted_at IS NULL ORDER BY uploaded_at DESC`
	var records []models.Attachment
	if err := r.db.SelectContext(ctx, &records, query, requestID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return records, nil
}

// LinkToRequest attaches an unlinked upload to a request.
func (r *AttachmentRepository) LinkToRequest(ctx context.Context, ids []string, requestID string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, requestID)
	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf(`UPDATE attachments SET request_id = $1 WHERE id IN (%s) AND deleted_at IS NULL`,
		strings.Join(placeholders, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("link attachments: %w", err)
	}
	return nil
}

// SoftDelete marks an attachment as deleted.
func (r *AttachmentRepository) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	const query = `UPDATE attachments SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, deletedAt)
	if err != nil {
		return fmt.Errorf("soft delete attachment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check attachment delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
