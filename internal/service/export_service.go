package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
	"github.com/noah-isme/procureflow-api/pkg/export"
	"github.com/noah-isme/procureflow-api/pkg/storage"
)

type exportRequestStore interface {
	GetByID(ctx context.Context, id string) (*models.Request, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       string
	ExpiresAt    time.Time
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders a request's approval trail to PDF or CSV and
// hands out signed download URLs for the stored files.
type ExportService struct {
	requests exportRequestStore
	storage  fileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(requests exportRequestStore, files fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		requests: requests,
		storage:  files,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// ExportRequest renders the request for a viewer who is allowed to see it.
func (s *ExportService) ExportRequest(ctx context.Context, id, format string, actor *models.JWTClaims) (*ExportResult, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
	}
	if result := workflow.Visibility(request, actor.Role, actor.UserID); !result.CanSee {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you have no involvement with this request")
	}

	dataset := buildRequestDataset(request)
	title := fmt.Sprintf("Purchase Request %s - %s", request.Number, request.Title)

	var payload []byte
	switch format {
	case "csv":
		payload, err = s.csv.Render(dataset)
	case "pdf", "":
		format = "pdf"
		payload, err = s.pdf.Render(dataset, title)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported export format: "+format)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	filename := fmt.Sprintf("request_%s_%s.%s",
		sanitizeFilename(request.Number), time.Now().UTC().Format("20060102_150405"), format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}

	token, expiresAt, err := s.signer.Generate(request.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/export/%s", prefix, token),
		Format:       format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (requestID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

var exportHeaders = []string{"#", "Timestamp", "Actor", "Role", "Action", "From", "To", "Details"}

func buildRequestDataset(request *models.Request) export.Dataset {
	rows := make([]map[string]string, 0, len(request.History))
	for i, entry := range request.History {
		rows = append(rows, map[string]string{
			"#":         fmt.Sprintf("%d", i+1),
			"Timestamp": entry.Timestamp.UTC().Format("2006-01-02 15:04"),
			"Actor":     entry.ActorName,
			"Role":      string(entry.ActorRole),
			"Action":    string(entry.Action),
			"From":      string(entry.PreviousStatus),
			"To":        string(entry.NewStatus),
			"Details":   entryDetails(entry),
		})
	}
	return export.Dataset{Headers: exportHeaders, Rows: rows}
}

func entryDetails(entry models.HistoryEntry) string {
	switch {
	case entry.Approval != nil:
		parts := make([]string, 0, 2)
		if entry.Approval.Notes != "" {
			parts = append(parts, entry.Approval.Notes)
		}
		if entry.Approval.SOPReference != "" {
			parts = append(parts, "SOP "+entry.Approval.SOPReference)
		}
		return strings.Join(parts, "; ")
	case entry.Rejection != nil:
		return entry.Rejection.Notes
	case entry.Clarify != nil:
		return entry.Clarify.Message
	case entry.Forward != nil:
		return entry.Forward.Message
	case entry.Query != nil:
		return entry.Query.Request
	case entry.QueryResponse != nil:
		return entry.QueryResponse.Response
	default:
		return ""
	}
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
