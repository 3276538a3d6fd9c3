package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/middleware"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
)

type requestServiceMock struct {
	createResp *models.Request
	createErr  error
	getResp    *workflow.VisibleRequest
	getErr     error
	listResp   []workflow.VisibleRequest
	listQuery  dto.RequestQuery
	actionResp *models.Request
	actionErr  error
	lastAction dto.ActionInput
}

func (m *requestServiceMock) Create(ctx context.Context, input dto.CreateRequestInput, actor *models.JWTClaims) (*models.Request, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.createResp, nil
}

func (m *requestServiceMock) Get(ctx context.Context, id string, actor *models.JWTClaims) (*workflow.VisibleRequest, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.getResp, nil
}

func (m *requestServiceMock) List(ctx context.Context, query dto.RequestQuery, actor *models.JWTClaims) ([]workflow.VisibleRequest, *models.Pagination, error) {
	m.listQuery = query
	return m.listResp, &models.Pagination{Page: 1, PageSize: 50, TotalCount: len(m.listResp)}, nil
}

func (m *requestServiceMock) ApplyAction(ctx context.Context, id string, input dto.ActionInput, actor *models.JWTClaims) (*models.Request, error) {
	m.lastAction = input
	if m.actionErr != nil {
		return nil, m.actionErr
	}
	return m.actionResp, nil
}

func testContext(t *testing.T, method, target string, body interface{}, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

func TestRequestHandlerCreate(t *testing.T) {
	mock := &requestServiceMock{createResp: &models.Request{ID: "r1", Status: models.StatusManagerReview}}
	handler := NewRequestHandler(mock)

	c, w := testContext(t, http.MethodPost, "/requests", dto.CreateRequestInput{
		Title: "Lab equipment", Purpose: "replace", Institution: "Science",
	}, &models.JWTClaims{UserID: "req-1", Role: models.RoleRequester})

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRequestHandlerCreateRequiresAuth(t *testing.T) {
	handler := NewRequestHandler(&requestServiceMock{})

	c, w := testContext(t, http.MethodPost, "/requests", dto.CreateRequestInput{
		Title: "x", Purpose: "y", Institution: "z",
	}, nil)

	handler.Create(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestHandlerListParsesQuery(t *testing.T) {
	mock := &requestServiceMock{}
	handler := NewRequestHandler(mock)

	c, w := testContext(t, http.MethodGet,
		"/requests?category=pending&status=manager_review,vp_approval&page=2&page_size=10",
		nil, &models.JWTClaims{UserID: "u1", Role: models.RoleVP})

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, workflow.CategoryPending, mock.listQuery.Category)
	assert.Equal(t, []models.RequestStatus{models.StatusManagerReview, models.StatusVPApproval}, mock.listQuery.Status)
	assert.Equal(t, 2, mock.listQuery.Page)
	assert.Equal(t, 10, mock.listQuery.PageSize)
}

func TestRequestHandlerApplyActionRequiresAction(t *testing.T) {
	handler := NewRequestHandler(&requestServiceMock{})

	c, w := testContext(t, http.MethodPost, "/requests/r1/actions", dto.ActionInput{},
		&models.JWTClaims{UserID: "u1", Role: models.RoleVP})
	c.Params = gin.Params{{Key: "id", Value: "r1"}}

	handler.ApplyAction(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestHandlerApplyActionPropagatesConflict(t *testing.T) {
	mock := &requestServiceMock{actionErr: appErrors.ErrConflict}
	handler := NewRequestHandler(mock)

	c, w := testContext(t, http.MethodPost, "/requests/r1/actions",
		dto.ActionInput{Action: dto.ActionNameApprove},
		&models.JWTClaims{UserID: "u1", Role: models.RoleVP})
	c.Params = gin.Params{{Key: "id", Value: "r1"}}

	handler.ApplyAction(c)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, dto.ActionNameApprove, mock.lastAction.Action)
}

func TestRequestHandlerGetForbidden(t *testing.T) {
	mock := &requestServiceMock{getErr: appErrors.ErrForbidden}
	handler := NewRequestHandler(mock)

	c, w := testContext(t, http.MethodGet, "/requests/r1", nil,
		&models.JWTClaims{UserID: "u1", Role: models.RoleVP})
	c.Params = gin.Params{{Key: "id", Value: "r1"}}

	handler.Get(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
