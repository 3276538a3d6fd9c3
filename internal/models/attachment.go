package models

import "time"

// Attachment is the stored metadata for one uploaded supporting document.
// Requests and history entries reference attachments by FileName.
type Attachment struct {
	ID           string     `db:"id" json:"id"`
	FileName     string     `db:"file_name" json:"file_name"`
	OriginalName string     `db:"original_name" json:"original_name"`
	MimeType     string     `db:"mime_type" json:"mime_type"`
	SizeBytes    int64      `db:"size_bytes" json:"size_bytes"`
	RequestID    *string    `db:"request_id" json:"request_id,omitempty"`
	UploadedBy   string     `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt   time.Time  `db:"uploaded_at" json:"uploaded_at"`
	DeletedAt    *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
