package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
	"github.com/noah-isme/procureflow-api/pkg/response"
)

type requestService interface {
	Create(ctx context.Context, input dto.CreateRequestInput, actor *models.JWTClaims) (*models.Request, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*workflow.VisibleRequest, error)
	List(ctx context.Context, query dto.RequestQuery, actor *models.JWTClaims) ([]workflow.VisibleRequest, *models.Pagination, error)
	ApplyAction(ctx context.Context, id string, input dto.ActionInput, actor *models.JWTClaims) (*models.Request, error)
}

// RequestHandler exposes REST endpoints for the purchase approval workflow.
type RequestHandler struct {
	service requestService
}

// NewRequestHandler constructs the handler.
func NewRequestHandler(service requestService) *RequestHandler {
	return &RequestHandler{service: service}
}

// Create godoc
// @Summary Submit a purchase request
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateRequestInput true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Create(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "request service not configured"))
		return
	}
	var input dto.CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Create(c.Request.Context(), input, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, request, nil)
}

// List godoc
// @Summary List visible purchase requests
// @Tags Requests
// @Produce json
// @Param category query string false "pending, approved, in_progress or completed"
// @Param status query string false "Comma separated statuses"
// @Param search query string false "Title or request number search"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "request service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query := dto.RequestQuery{
		Category: workflow.Category(strings.ToLower(strings.TrimSpace(c.Query("category")))),
		Search:   strings.TrimSpace(c.Query("search")),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.RequestStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.RequestStatus(part))
		}
		query.Status = statuses
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		query.Page = page
	}
	if pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "50")); err == nil {
		query.PageSize = pageSize
	}

	requests, pagination, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get one purchase request with the viewer's categorization
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "request service not configured"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// ApplyAction godoc
// @Summary Apply a workflow action to a request
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ActionInput true "Action payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/actions [post]
func (h *RequestHandler) ApplyAction(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "request service not configured"))
		return
	}
	var input dto.ActionInput
	if err := c.ShouldBindJSON(&input); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid action payload"))
		return
	}
	if strings.TrimSpace(input.Action) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "action is required"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.ApplyAction(c.Request.Context(), c.Param("id"), input, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}
