package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/service"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
	"github.com/noah-isme/procureflow-api/pkg/response"
)

type attachmentService interface {
	Upload(ctx context.Context, meta dto.UploadAttachmentRequest, upload service.AttachmentUpload, actor *models.JWTClaims) (*models.Attachment, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Attachment, error)
	ListForRequest(ctx context.Context, requestID string, actor *models.JWTClaims) ([]models.Attachment, error)
	Link(ctx context.Context, requestID string, ids []string, actor *models.JWTClaims) error
	GetDownloadURL(ctx context.Context, id string, actor *models.JWTClaims) (string, error)
	Download(ctx context.Context, id, token string, actor *models.JWTClaims) (*service.AttachmentDownload, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
}

// AttachmentHandler manages supporting-document HTTP endpoints.
type AttachmentHandler struct {
	service attachmentService
}

// NewAttachmentHandler constructs the handler.
func NewAttachmentHandler(service attachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: service}
}

// Upload godoc
// @Summary Upload a supporting document
// @Tags Attachments
// @Accept multipart/form-data
// @Produce json
// @Param request_id formData string false "Request to link the file to"
// @Param file formData file true "Document"
// @Success 201 {object} response.Envelope
// @Router /attachments [post]
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	var req dto.UploadAttachmentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid attachment payload"))
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	reader, ok := src.(io.ReadSeeker)
	if !ok {
		buf, readErr := io.ReadAll(src)
		if readErr != nil {
			response.Error(c, appErrors.Wrap(readErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
			return
		}
		reader = bytes.NewReader(buf)
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	upload := service.AttachmentUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  reader,
	}
	item, err := h.service.Upload(c.Request.Context(), req, upload, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, item, nil)
}

// Get godoc
// @Summary Get attachment metadata with a signed download URL
// @Tags Attachments
// @Produce json
// @Param id path string true "Attachment ID"
// @Success 200 {object} response.Envelope
// @Router /attachments/{id} [get]
func (h *AttachmentHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	item, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	downloadURL, err := h.service.GetDownloadURL(c.Request.Context(), item.ID, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.AttachmentDownloadResponse{
		Attachment:  *item,
		DownloadURL: downloadURL,
	}, nil)
}

// ListForRequest godoc
// @Summary List attachments linked to a request
// @Tags Attachments
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/attachments [get]
func (h *AttachmentHandler) ListForRequest(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	items, err := h.service.ListForRequest(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Link godoc
// @Summary Link uploaded files to a request
// @Tags Attachments
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.LinkAttachmentsRequest true "Attachment ids"
// @Success 204
// @Router /requests/{id}/attachments [post]
func (h *AttachmentHandler) Link(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.LinkAttachmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid link payload"))
		return
	}
	if err := h.service.Link(c.Request.Context(), c.Param("id"), req.AttachmentIDs, claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Download godoc
// @Summary Download a supporting document via signed token
// @Tags Attachments
// @Produce octet-stream
// @Param id path string true "Attachment ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /attachments/{id}/download [get]
func (h *AttachmentHandler) Download(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.Download(c.Request.Context(), c.Param("id"), token, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, result.MimeType, result.File, nil)
}

// Delete godoc
// @Summary Soft delete an unlinked attachment
// @Tags Attachments
// @Produce json
// @Param id path string true "Attachment ID"
// @Success 204
// @Router /attachments/{id} [delete]
func (h *AttachmentHandler) Delete(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "attachment service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
