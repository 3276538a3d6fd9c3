package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
)

type attachmentStore interface {
	Create(ctx context.Context, item *models.Attachment) error
	GetByID(ctx context.Context, id string) (*models.Attachment, error)
	ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error)
	LinkToRequest(ctx context.Context, ids []string, requestID string) error
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error
}

type attachmentRequestResolver interface {
	GetByID(ctx context.Context, id string) (*models.Request, error)
}

type attachmentFileStorage interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type attachmentSignedURLSigner interface {
	Generate(id, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (id, relPath string, expiresAt time.Time, err error)
}

type attachmentAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AttachmentUpload carries upload metadata and stream reader.
type AttachmentUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.ReadSeeker
}

// AttachmentDownload bundles file reader metadata for streaming.
type AttachmentDownload struct {
	File      *os.File
	Filename  string
	MimeType  string
	SizeBytes int64
	ExpiresAt time.Time
}

// AttachmentServiceConfig holds validation parameters for uploads.
type AttachmentServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	APIPrefix    string
}

// AttachmentService manages supporting-document metadata and storage IO.
type AttachmentService struct {
	repo     attachmentStore
	requests attachmentRequestResolver
	storage  attachmentFileStorage
	signer   attachmentSignedURLSigner
	audit    attachmentAuditLogger
	logger   *zap.Logger
	cfg      AttachmentServiceConfig
	mimeSet  map[string]struct{}
}

// NewAttachmentService constructs the service with defaults.
func NewAttachmentService(repo attachmentStore, requests attachmentRequestResolver, storage attachmentFileStorage, signer attachmentSignedURLSigner, audit attachmentAuditLogger, logger *zap.Logger, cfg AttachmentServiceConfig) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{
			"application/pdf",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"image/jpeg",
			"image/png",
			"application/zip",
		}
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &AttachmentService{
		repo:     repo,
		requests: requests,
		storage:  storage,
		signer:   signer,
		audit:    audit,
		logger:   logger,
		cfg:      cfg,
		mimeSet:  mimeSet,
	}
}

// Upload persists metadata and the physical file for a new attachment.
// Any authenticated user may upload; approvers attach budget sheets and
// SOP extracts the same way requesters attach quotations.
func (s *AttachmentService) Upload(ctx context.Context, meta dto.UploadAttachmentRequest, upload AttachmentUpload, actor *models.JWTClaims) (*models.Attachment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if upload.Content == nil || upload.Size <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file is required")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	mimeType, err := s.detectMime(upload)
	if err != nil {
		return nil, err
	}
	if _, allowed := s.mimeSet[strings.ToLower(mimeType)]; !allowed {
		return nil, appErrors.Clone(appErrors.ErrValidation, "mime type not allowed")
	}
	requestID := normalizeRef(meta.RequestID)
	if requestID != nil {
		if err := s.ensureRequestAccess(ctx, *requestID, actor); err != nil {
			return nil, err
		}
	}
	filename := s.generateFilename(upload.Filename, mimeType)
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	path, err := s.storage.SaveStream(filename, upload.Content)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist attachment file")
	}
	item := &models.Attachment{
		FileName:     path,
		OriginalName: filepath.Base(upload.Filename),
		MimeType:     mimeType,
		SizeBytes:    upload.Size,
		RequestID:    requestID,
		UploadedBy:   actor.UserID,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		_ = s.storage.Delete(path)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create attachment metadata")
	}
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFileUpload,
		Resource:   "attachment",
		ResourceID: &item.ID,
		NewValues:  []byte(fmt.Sprintf(`{"file_name":"%s","mime_type":"%s"}`, item.FileName, item.MimeType)),
	})
	return item, nil
}

// Get returns attachment metadata enforcing access rules.
func (s *AttachmentService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Attachment, error) {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if item.DeletedAt != nil {
		return nil, appErrors.ErrNotFound
	}
	if err := s.ensureAccess(ctx, item, actor); err != nil {
		return nil, err
	}
	return item, nil
}

// ListForRequest returns the attachments linked to a request the actor can see.
func (s *AttachmentService) ListForRequest(ctx context.Context, requestID string, actor *models.JWTClaims) ([]models.Attachment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.ensureRequestAccess(ctx, requestID, actor); err != nil {
		return nil, err
	}
	items, err := s.repo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list attachments")
	}
	return items, nil
}

// Link binds previously uploaded files to a request. Only the uploader may
// link their own files, and only to a request they are involved with.
func (s *AttachmentService) Link(ctx context.Context, requestID string, ids []string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if len(ids) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "attachment ids are required")
	}
	if err := s.ensureRequestAccess(ctx, requestID, actor); err != nil {
		return err
	}
	for _, id := range ids {
		item, err := s.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("attachment %s not found", id))
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
		}
		if item.DeletedAt != nil {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("attachment %s not found", id))
		}
		if item.UploadedBy != actor.UserID {
			return appErrors.Clone(appErrors.ErrForbidden, "only the uploader may link an attachment")
		}
	}
	if err := s.repo.LinkToRequest(ctx, ids, requestID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to link attachments")
	}
	return nil
}

// GetDownloadURL generates a signed URL for downloading the file.
func (s *AttachmentService) GetDownloadURL(ctx context.Context, id string, actor *models.JWTClaims) (string, error) {
	if s.signer == nil {
		return "", appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	item, err := s.Get(ctx, id, actor)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(item.ID, item.FileName)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	url := fmt.Sprintf("%s/attachments/%s/download?token=%s", base, item.ID, token)
	return url, nil
}

// Download validates the token and opens the attachment file.
func (s *AttachmentService) Download(ctx context.Context, id, token string, actor *models.JWTClaims) (*AttachmentDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	item, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	attachmentID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired token")
	}
	if attachmentID != item.ID || relPath != item.FileName {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open attachment file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read attachment metadata")
	}
	return &AttachmentDownload{
		File:      file,
		Filename:  item.OriginalName,
		MimeType:  item.MimeType,
		SizeBytes: info.Size(),
		ExpiresAt: expiresAt,
	}, nil
}

// Delete marks an attachment as deleted (soft delete). Only the uploader
// may delete, and only while the file is not yet linked to a request.
func (s *AttachmentService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if item.UploadedBy != actor.UserID {
		return appErrors.Clone(appErrors.ErrForbidden, "only the uploader may delete an attachment")
	}
	if item.RequestID != nil {
		return appErrors.Clone(appErrors.ErrValidation, "attachments linked to a request cannot be deleted")
	}
	if err := s.repo.SoftDelete(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete attachment")
	}
	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionFileDelete,
		Resource:   "attachment",
		ResourceID: &id,
	})
	return nil
}

func (s *AttachmentService) ensureAccess(ctx context.Context, item *models.Attachment, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if item.UploadedBy == actor.UserID {
		return nil
	}
	if item.RequestID == nil {
		return appErrors.Clone(appErrors.ErrForbidden, "attachment is not linked to a request you can see")
	}
	return s.ensureRequestAccess(ctx, *item.RequestID, actor)
}

func (s *AttachmentService) ensureRequestAccess(ctx context.Context, requestID string, actor *models.JWTClaims) error {
	if s.requests == nil {
		return appErrors.Clone(appErrors.ErrInternal, "request resolver unavailable")
	}
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	if !workflow.Visibility(request, actor.Role, actor.UserID).CanSee {
		return appErrors.Clone(appErrors.ErrForbidden, "you have no involvement with this request")
	}
	return nil
}

func (s *AttachmentService) detectMime(upload AttachmentUpload) (string, error) {
	if upload.Content == nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "file reader missing")
	}
	if upload.MimeType != "" {
		return upload.MimeType, nil
	}
	header := make([]byte, 512)
	n, err := upload.Content.Read(header)
	if err != nil && err != io.EOF {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect file")
	}
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	if n == 0 {
		return "", appErrors.Clone(appErrors.ErrValidation, "empty file")
	}
	return http.DetectContentType(header[:n]), nil
}

func (s *AttachmentService) generateFilename(original, mimeType string) string {
	base := sanitize(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original)))
	if base == "" {
		base = "file"
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		ext = mimeExtension(mimeType)
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("attachment_%s_%d_%s%s", base, time.Now().Unix(), randomSuffix(), ext)
}

func sanitize(raw string) string {
	raw = strings.ToLower(raw)
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func mimeExtension(mime string) string {
	switch strings.ToLower(mime) {
	case "application/pdf":
		return ".pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/zip":
		return ".zip"
	default:
		return ""
	}
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func normalizeRef(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	result := trimmed
	return &result
}

func (s *AttachmentService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	log.IPAddress = "system"
	log.UserAgent = "attachment-service"
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create attachment audit", zap.Error(err))
	}
}
