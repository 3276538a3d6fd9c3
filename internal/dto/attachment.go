package dto

import "github.com/noah-isme/procureflow-api/internal/models"

// UploadAttachmentRequest carries the metadata for a file upload. RequestID
// is optional; uploads made before the request exists are linked later.
type UploadAttachmentRequest struct {
	RequestID *string `json:"request_id,omitempty" form:"request_id"`
}

// LinkAttachmentsRequest binds uploaded files to a request.
type LinkAttachmentsRequest struct {
	AttachmentIDs []string `json:"attachment_ids" validate:"required,min=1"`
}

// AttachmentDownloadResponse pairs attachment metadata with a signed URL.
type AttachmentDownloadResponse struct {
	models.Attachment
	DownloadURL string `json:"download_url"`
}
