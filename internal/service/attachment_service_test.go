package service

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/pkg/storage"
)

type attachmentRepoStub struct {
	items map[string]*models.Attachment
}

func newAttachmentRepoStub() *attachmentRepoStub {
	return &attachmentRepoStub{items: make(map[string]*models.Attachment)}
}

func (r *attachmentRepoStub) Create(ctx context.Context, item *models.Attachment) error {
	if item.ID == "" {
		item.ID = fmt.Sprintf("att-%d", len(r.items)+1)
	}
	if item.UploadedAt.IsZero() {
		item.UploadedAt = time.Now()
	}
	r.items[item.ID] = item
	return nil
}

func (r *attachmentRepoStub) GetByID(ctx context.Context, id string) (*models.Attachment, error) {
	if item, ok := r.items[id]; ok {
		copy := *item
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *attachmentRepoStub) ListByRequest(ctx context.Context, requestID string) ([]models.Attachment, error) {
	result := make([]models.Attachment, 0, len(r.items))
	for _, item := range r.items {
		if item.RequestID != nil && *item.RequestID == requestID && item.DeletedAt == nil {
			result = append(result, *item)
		}
	}
	return result, nil
}

func (r *attachmentRepoStub) LinkToRequest(ctx context.Context, ids []string, requestID string) error {
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			rid := requestID
			item.RequestID = &rid
		}
	}
	return nil
}

func (r *attachmentRepoStub) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	if item, ok := r.items[id]; ok && item.DeletedAt == nil {
		item.DeletedAt = &deletedAt
		return nil
	}
	return sql.ErrNoRows
}

type requestResolverStub struct {
	requests map[string]*models.Request
}

func (r *requestResolverStub) GetByID(ctx context.Context, id string) (*models.Request, error) {
	if req, ok := r.requests[id]; ok {
		copy := *req
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

type fileStoreStub struct {
	saved map[string][]byte
	files map[string]string
}

func newFileStoreStub() *fileStoreStub {
	return &fileStoreStub{
		saved: make(map[string][]byte),
		files: make(map[string]string),
	}
}

func (s *fileStoreStub) SaveStream(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.saved[filename] = data
	path := filepath.Join(os.TempDir(), "attachment-test-"+filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	s.files[filename] = path
	return filename, nil
}

func (s *fileStoreStub) Open(filename string) (*os.File, error) {
	path, ok := s.files[filename]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return os.Open(path)
}

func (s *fileStoreStub) Delete(filename string) error {
	if path, ok := s.files[filename]; ok {
		_ = os.Remove(path)
		delete(s.files, filename)
	}
	delete(s.saved, filename)
	return nil
}

func newAttachmentFixture() (*attachmentRepoStub, *requestResolverStub, *fileStoreStub, *stubAuditLogger) {
	repo := newAttachmentRepoStub()
	requests := &requestResolverStub{requests: map[string]*models.Request{
		"req-1": {
			ID:          "req-1",
			RequesterID: "user-1",
			Status:      models.StatusManagerReview,
		},
	}}
	return repo, requests, newFileStoreStub(), &stubAuditLogger{}
}

func TestAttachmentServiceUpload(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{
		MaxFileSize:  1024 * 1024,
		AllowedMIMEs: []string{"application/pdf"},
		APIPrefix:    "/api/v1",
	})

	requestID := "req-1"
	content := bytes.NewReader([]byte("three vendor quotes"))
	item, err := svc.Upload(context.Background(), dto.UploadAttachmentRequest{RequestID: &requestID}, AttachmentUpload{
		Filename: "quotes.pdf",
		Size:     int64(content.Len()),
		MimeType: "application/pdf",
		Content:  content,
	}, claimsFor(models.RoleRequester, "user-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Delete(item.FileName) })
	require.NotEmpty(t, item.ID)
	require.Equal(t, "quotes.pdf", item.OriginalName)
	require.NotNil(t, item.RequestID)
	require.Equal(t, "req-1", *item.RequestID)
	require.Contains(t, store.saved, item.FileName)
	require.Len(t, audit.logs, 1)
}

func TestAttachmentServiceUploadRejectsMime(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{
		AllowedMIMEs: []string{"application/pdf"},
	})

	content := bytes.NewReader([]byte("#!/bin/sh"))
	_, err := svc.Upload(context.Background(), dto.UploadAttachmentRequest{}, AttachmentUpload{
		Filename: "run.sh",
		Size:     int64(content.Len()),
		MimeType: "application/x-sh",
		Content:  content,
	}, claimsFor(models.RoleRequester, "user-1"))
	requireErrorCode(t, err, "VALIDATION_ERROR")
}

func TestAttachmentServiceUploadRejectsOversize(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{
		MaxFileSize: 8,
	})

	content := bytes.NewReader([]byte("more than eight bytes"))
	_, err := svc.Upload(context.Background(), dto.UploadAttachmentRequest{}, AttachmentUpload{
		Filename: "big.pdf",
		Size:     int64(content.Len()),
		MimeType: "application/pdf",
		Content:  content,
	}, claimsFor(models.RoleRequester, "user-1"))
	requireErrorCode(t, err, "VALIDATION_ERROR")
}

func TestAttachmentServiceGetEnforcesRequestVisibility(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	requestID := "req-1"
	repo.items["att-1"] = &models.Attachment{
		ID:         "att-1",
		FileName:   "attachment_quotes.pdf",
		MimeType:   "application/pdf",
		RequestID:  &requestID,
		UploadedBy: "user-1",
	}
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{})

	// The institution manager reviews the request, so the file is visible.
	_, err := svc.Get(context.Background(), "att-1", claimsFor(models.RoleInstitutionManager, "mgr-1"))
	require.NoError(t, err)

	// A VP has no involvement while the request sits in manager review.
	_, err = svc.Get(context.Background(), "att-1", claimsFor(models.RoleVP, "vp-1"))
	requireErrorCode(t, err, "FORBIDDEN")

	// The uploader always sees their own file.
	_, err = svc.Get(context.Background(), "att-1", claimsFor(models.RoleRequester, "user-1"))
	require.NoError(t, err)
}

func TestAttachmentServiceUnlinkedVisibleToUploaderOnly(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	repo.items["att-1"] = &models.Attachment{
		ID:         "att-1",
		FileName:   "attachment_draft.pdf",
		UploadedBy: "user-1",
	}
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{})

	_, err := svc.Get(context.Background(), "att-1", claimsFor(models.RoleRequester, "user-1"))
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "att-1", claimsFor(models.RoleInstitutionManager, "mgr-1"))
	requireErrorCode(t, err, "FORBIDDEN")
}

func TestAttachmentServiceDownload(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	signer := storage.NewSignedURLSigner("secret", time.Minute)
	item := &models.Attachment{
		ID:           "att-1",
		FileName:     "attachment/quotes.pdf",
		OriginalName: "quotes.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    5,
		UploadedBy:   "user-1",
	}
	repo.items[item.ID] = item
	_, err := store.SaveStream(item.FileName, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Delete(item.FileName) })

	svc := NewAttachmentService(repo, requests, store, signer, audit, nil, AttachmentServiceConfig{APIPrefix: "/api/v1"})

	url, err := svc.GetDownloadURL(context.Background(), item.ID, claimsFor(models.RoleRequester, "user-1"))
	require.NoError(t, err)
	require.Contains(t, url, "/attachments/att-1/download?token=")
	parts := strings.SplitN(url, "token=", 2)
	require.Len(t, parts, 2)

	download, err := svc.Download(context.Background(), item.ID, parts[1], claimsFor(models.RoleRequester, "user-1"))
	require.NoError(t, err)
	require.Equal(t, "quotes.pdf", download.Filename)
	require.Equal(t, "application/pdf", download.MimeType)
	download.File.Close() //nolint:errcheck
}

func TestAttachmentServiceDownloadRejectsForeignToken(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	signer := storage.NewSignedURLSigner("secret", time.Minute)
	repo.items["att-1"] = &models.Attachment{ID: "att-1", FileName: "a.pdf", UploadedBy: "user-1"}
	repo.items["att-2"] = &models.Attachment{ID: "att-2", FileName: "b.pdf", UploadedBy: "user-1"}
	svc := NewAttachmentService(repo, requests, store, signer, audit, nil, AttachmentServiceConfig{})

	token, _, err := signer.Generate("att-2", "b.pdf")
	require.NoError(t, err)

	_, err = svc.Download(context.Background(), "att-1", token, claimsFor(models.RoleRequester, "user-1"))
	requireErrorCode(t, err, "FORBIDDEN")
}

func TestAttachmentServiceLink(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	repo.items["att-1"] = &models.Attachment{ID: "att-1", FileName: "a.pdf", UploadedBy: "user-1"}
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{})

	require.NoError(t, svc.Link(context.Background(), "req-1", []string{"att-1"}, claimsFor(models.RoleRequester, "user-1")))
	require.NotNil(t, repo.items["att-1"].RequestID)
	require.Equal(t, "req-1", *repo.items["att-1"].RequestID)

	repo.items["att-2"] = &models.Attachment{ID: "att-2", FileName: "b.pdf", UploadedBy: "someone-else"}
	err := svc.Link(context.Background(), "req-1", []string{"att-2"}, claimsFor(models.RoleRequester, "user-1"))
	requireErrorCode(t, err, "FORBIDDEN")
}

func TestAttachmentServiceDelete(t *testing.T) {
	repo, requests, store, audit := newAttachmentFixture()
	repo.items["att-1"] = &models.Attachment{ID: "att-1", FileName: "a.pdf", UploadedBy: "user-1"}
	svc := NewAttachmentService(repo, requests, store, nil, audit, nil, AttachmentServiceConfig{})

	err := svc.Delete(context.Background(), "att-1", claimsFor(models.RoleRequester, "other"))
	requireErrorCode(t, err, "FORBIDDEN")

	require.NoError(t, svc.Delete(context.Background(), "att-1", claimsFor(models.RoleRequester, "user-1")))
	require.NotNil(t, repo.items["att-1"].DeletedAt)
	require.Len(t, audit.logs, 1)

	requestID := "req-1"
	repo.items["att-2"] = &models.Attachment{ID: "att-2", FileName: "b.pdf", UploadedBy: "user-1", RequestID: &requestID}
	err = svc.Delete(context.Background(), "att-2", claimsFor(models.RoleRequester, "user-1"))
	requireErrorCode(t, err, "VALIDATION_ERROR")
}
