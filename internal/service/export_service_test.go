package service

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/procureflow-api/internal/models"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
	"github.com/noah-isme/procureflow-api/pkg/storage"
)

type stubExportStore struct {
	request *models.Request
	err     error
}

func (s *stubExportStore) GetByID(ctx context.Context, id string) (*models.Request, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.request, nil
}

type memStorage struct {
	saved map[string][]byte
}

func (m *memStorage) Save(filename string, data []byte) (string, error) {
	if m.saved == nil {
		m.saved = map[string][]byte{}
	}
	m.saved[filename] = data
	return filename, nil
}

func (m *memStorage) Open(filename string) (*os.File, error) { return nil, os.ErrNotExist }
func (m *memStorage) Delete(filename string) error           { return nil }
func (m *memStorage) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	return nil, nil
}

func exportFixtureRequest() *models.Request {
	return &models.Request{
		ID:            "r1",
		Number:        "482913",
		Title:         "Lab equipment",
		Status:        models.StatusVPApproval,
		RequesterID:   "req-1",
		RequesterName: "Requester",
		History: models.History{
			{
				ID: "h1", Action: models.ActionCreate, ActorID: "req-1",
				ActorName: "Requester", ActorRole: models.RoleRequester,
				Timestamp: time.Now().UTC(), NewStatus: models.StatusManagerReview,
			},
			{
				ID: "h2", Action: models.ActionApprove, ActorID: "mgr-1",
				ActorName: "Manager", ActorRole: models.RoleInstitutionManager,
				Timestamp: time.Now().UTC(), PreviousStatus: models.StatusManagerReview,
				NewStatus: models.StatusVPApproval,
				Approval:  &models.ApprovalDetail{Notes: "within budget"},
			},
		},
	}
}

func newTestExportService(store *stubExportStore) (*ExportService, *memStorage) {
	files := &memStorage{}
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	svc := NewExportService(store, files, signer, ExportConfig{APIPrefix: "/api/v1"}, zap.NewNop(), nil, nil)
	return svc, files
}

func TestExportRequestCSV(t *testing.T) {
	svc, files := newTestExportService(&stubExportStore{request: exportFixtureRequest()})

	result, err := svc.ExportRequest(context.Background(), "r1", "csv", &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})
	require.NoError(t, err)
	assert.Equal(t, "csv", result.Format)
	assert.Contains(t, result.URL, "/api/v1/export/")
	require.Len(t, files.saved, 1)
	for _, data := range files.saved {
		assert.Contains(t, string(data), "within budget")
	}
}

func TestExportRequestDefaultsToPDF(t *testing.T) {
	svc, files := newTestExportService(&stubExportStore{request: exportFixtureRequest()})

	result, err := svc.ExportRequest(context.Background(), "r1", "", &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})
	require.NoError(t, err)
	assert.Equal(t, "pdf", result.Format)
	require.Len(t, files.saved, 1)
}

func TestExportRequestVisibilityEnforced(t *testing.T) {
	svc, _ := newTestExportService(&stubExportStore{request: exportFixtureRequest()})

	_, err := svc.ExportRequest(context.Background(), "r1", "csv", &models.JWTClaims{UserID: "other", Role: models.RoleRequester})
	requireErrorCode(t, err, appErrors.ErrForbidden.Code)
}

func TestExportRequestUnknownFormat(t *testing.T) {
	svc, _ := newTestExportService(&stubExportStore{request: exportFixtureRequest()})

	_, err := svc.ExportRequest(context.Background(), "r1", "xlsx", &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})
	requireErrorCode(t, err, appErrors.ErrValidation.Code)
}

func TestExportRequestNotFound(t *testing.T) {
	svc, _ := newTestExportService(&stubExportStore{err: sql.ErrNoRows})

	_, err := svc.ExportRequest(context.Background(), "missing", "csv", &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})
	requireErrorCode(t, err, appErrors.ErrNotFound.Code)
}

func TestExportTokenRoundTrip(t *testing.T) {
	svc, _ := newTestExportService(&stubExportStore{request: exportFixtureRequest()})

	result, err := svc.ExportRequest(context.Background(), "r1", "csv", &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})
	require.NoError(t, err)

	requestID, relPath, _, err := svc.ParseToken(result.Token, false)
	require.NoError(t, err)
	assert.Equal(t, "r1", requestID)
	assert.Equal(t, result.RelativePath, relPath)
}
