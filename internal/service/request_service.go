package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/procureflow-api/internal/dto"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/repository"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	appErrors "github.com/noah-isme/procureflow-api/pkg/errors"
)

type requestStore interface {
	Create(ctx context.Context, request *models.Request) error
	GetByID(ctx context.Context, id string) (*models.Request, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	AppendHistoryAndUpdate(ctx context.Context, params repository.AppendHistoryParams) error
}

type requestAuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// RequestNotifier receives workflow events after a successful mutation.
type RequestNotifier interface {
	NotifyStatusChange(ctx context.Context, request *models.Request, entry models.HistoryEntry)
}

// RequestService is the single mutation entry point for the approval
// workflow. All state changes flow through ApplyAction, which validates
// role authorization, consults the transition and query engines, appends
// one history entry, and persists atomically under optimistic concurrency.
type RequestService struct {
	repo      requestStore
	audit     requestAuditLogger
	notifier  RequestNotifier
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	retries   int
}

// RequestServiceOption configures the service.
type RequestServiceOption func(*RequestService)

// WithRequestNotifier attaches a notifier for status-change events.
func WithRequestNotifier(n RequestNotifier) RequestServiceOption {
	return func(s *RequestService) { s.notifier = n }
}

// WithRequestCache attaches the list cache.
func WithRequestCache(c *CacheService) RequestServiceOption {
	return func(s *RequestService) { s.cache = c }
}

// WithRequestMetrics attaches workflow metrics.
func WithRequestMetrics(m *MetricsService) RequestServiceOption {
	return func(s *RequestService) { s.metrics = m }
}

// WithApplyRetries overrides how often a conflicted write is retried.
func WithApplyRetries(n int) RequestServiceOption {
	return func(s *RequestService) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewRequestService constructs the service with defaults.
func NewRequestService(repo requestStore, audit requestAuditLogger, logger *zap.Logger, opts ...RequestServiceOption) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &RequestService{
		repo:      repo,
		audit:     audit,
		validator: validator.New(),
		logger:    logger,
		retries:   3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create submits a new purchase request on behalf of a requester. The
// request enters the chain at MANAGER_REVIEW directly.
func (s *RequestService) Create(ctx context.Context, input dto.CreateRequestInput, actor *models.JWTClaims) (*models.Request, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if actor.Role != models.RoleRequester {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only requesters can create purchase requests")
	}
	if err := s.validator.Struct(input); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request payload")
	}

	number, err := s.generateNumber(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to allocate request number")
	}

	now := time.Now().UTC()
	request := &models.Request{
		ID:              uuid.NewString(),
		Number:          number,
		Title:           strings.TrimSpace(input.Title),
		Purpose:         strings.TrimSpace(input.Purpose),
		Institution:     strings.TrimSpace(input.Institution),
		Department:      strings.TrimSpace(input.Department),
		CostEstimate:    input.CostEstimate,
		ExpenseCategory: strings.TrimSpace(input.ExpenseCategory),
		Attachments:     append(models.StringList(nil), input.Attachments...),
		Status:          models.StatusManagerReview,
		RequesterID:     actor.UserID,
		RequesterName:   actor.FullName,
		History: models.History{{
			ID:        uuid.NewString(),
			Action:    models.ActionCreate,
			ActorID:   actor.UserID,
			ActorName: actor.FullName,
			ActorRole: models.RoleRequester,
			Timestamp: now,
			NewStatus: models.StatusManagerReview,
		}},
	}
	if err := s.repo.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
	}

	s.emitAudit(ctx, actor, models.AuditActionRequestCreate, request.ID, map[string]interface{}{
		"request_number": request.Number,
		"status":         request.Status,
	})
	s.invalidateListCache(ctx)
	if s.notifier != nil {
		s.notifier.NotifyStatusChange(ctx, request, request.History[0])
	}
	return request, nil
}

// Get returns a request if the viewer may see it.
func (s *RequestService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*workflow.VisibleRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	result := workflow.Visibility(request, actor.Role, actor.UserID)
	if !result.CanSee {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "you have no involvement with this request")
	}
	return &workflow.VisibleRequest{Request: *request, Visibility: result}, nil
}

// List returns the viewer's visible requests, decorated and optionally
// filtered by category. Listing reads an eventually-consistent snapshot;
// ApplyAction always re-reads authoritative state.
func (s *RequestService) List(ctx context.Context, query dto.RequestQuery, actor *models.JWTClaims) ([]workflow.VisibleRequest, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}

	filter := models.RequestFilter{
		Status:   query.Status,
		Search:   query.Search,
		Page:     query.Page,
		PageSize: query.PageSize,
	}
	if actor.Role == models.RoleRequester {
		filter.RequesterID = actor.UserID
	}

	cacheKey := s.listCacheKey(query, actor)
	if s.cache != nil {
		var cached listCacheEntry
		if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
			return cached.Requests, cached.Pagination, nil
		}
	}

	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	visible := workflow.FilterByVisibility(requests, actor.Role, actor.UserID, query.Category)

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	pagination := &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, listCacheEntry{Requests: visible, Pagination: pagination}, 0)
	}
	return visible, pagination, nil
}

type listCacheEntry struct {
	Requests   []workflow.VisibleRequest `json:"requests"`
	Pagination *models.Pagination        `json:"pagination"`
}

func (s *RequestService) listCacheKey(query dto.RequestQuery, actor *models.JWTClaims) string {
	return fmt.Sprintf("requests:list:%s:%s:%s:%s:%d:%d",
		actor.Role, actor.UserID, query.Category, query.Search, query.Page, query.PageSize)
}

// ApplyAction applies one workflow action to a request. A write lost to a
// concurrent actor is retried against re-read state, re-validating
// authorization each time; the retry may legitimately fail Forbidden when
// the request has already advanced past the actor's stage.
func (s *RequestService) ApplyAction(ctx context.Context, id string, input dto.ActionInput, actor *models.JWTClaims) (*models.Request, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	for attempt := 0; attempt <= s.retries; attempt++ {
		request, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		params, err := s.planAction(request, input, actor)
		if err != nil {
			return nil, err
		}
		if err := s.repo.AppendHistoryAndUpdate(ctx, *params); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.logger.Debug("request action lost optimistic race, retrying",
					zap.String("request_id", id),
					zap.String("action", input.Action),
					zap.Int("attempt", attempt))
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist request action")
		}

		updated, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		s.emitAudit(ctx, actor, models.AuditActionRequestAction, id, map[string]interface{}{
			"action":          input.Action,
			"previous_status": params.Entry.PreviousStatus,
			"new_status":      params.Entry.NewStatus,
		})
		if s.metrics != nil {
			s.metrics.ObserveWorkflowAction(input.Action, string(params.Entry.NewStatus))
		}
		s.invalidateListCache(ctx)
		if s.notifier != nil {
			s.notifier.NotifyStatusChange(ctx, updated, params.Entry)
		}
		return updated, nil
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "request was modified concurrently, please retry")
}

func (s *RequestService) load(ctx context.Context, id string) (*models.Request, error) {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return request, nil
}

// planAction validates authorization and computes the full persistence
// parameters for one action without side effects.
func (s *RequestService) planAction(request *models.Request, input dto.ActionInput, actor *models.JWTClaims) (*repository.AppendHistoryParams, error) {
	if err := s.authorize(request, input.Action, actor); err != nil {
		return nil, err
	}

	entry := models.HistoryEntry{
		ID:             uuid.NewString(),
		ActorID:        actor.UserID,
		ActorName:      actor.FullName,
		ActorRole:      actor.Role,
		Timestamp:      time.Now().UTC(),
		PreviousStatus: request.Status,
	}
	params := &repository.AppendHistoryParams{
		ID:              request.ID,
		PendingQuery:    request.PendingQuery,
		QueryLevel:      request.QueryLevel,
		ExpectedVersion: request.Version,
	}

	var err error
	switch input.Action {
	case dto.ActionNameApprove:
		err = s.planApprove(request, input, actor, &entry, params)
	case dto.ActionNameReject:
		err = s.planReject(request, input, actor, &entry, params)
	case dto.ActionNameClarify:
		err = s.planClarify(request, input, actor, &entry, params)
	case dto.ActionNameForward:
		err = s.planForward(request, input, actor, &entry, params)
	case dto.ActionNameSendToVP, dto.ActionNameSendToDean:
		err = s.planManagerRouting(request, input, actor, &entry, params)
	case dto.ActionNameRejectWithQuery:
		err = s.planRejectWithQuery(request, input, actor, &entry, params)
	case dto.ActionNameQueryAndReapprove:
		err = s.planQueryResponse(request, input, actor, &entry, params)
	case dto.ActionNameDeanSendToRequester:
		err = s.planDeanRelay(request, input, actor, &entry, params)
	default:
		err = appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported action: %s", input.Action))
	}
	if err != nil {
		return nil, err
	}

	params.Entry = entry
	params.Status = entry.NewStatus
	return params, nil
}

func (s *RequestService) authorize(request *models.Request, actionName string, actor *models.JWTClaims) error {
	approvers := workflow.RequiredApprovers(request.Status)
	for _, role := range approvers {
		if role != actor.Role {
			continue
		}
		// Requester-owned statuses are scoped to the request's own
		// requester, not the role at large.
		if actor.Role == models.RoleRequester && request.RequesterID != actor.UserID {
			return appErrors.Clone(appErrors.ErrForbidden, "only the request's own requester may act at this stage")
		}
		// Department checks accept a response only from the department the
		// dean actually targeted.
		if request.Status == models.StatusDepartmentChecks && models.IsDepartmentRole(actor.Role) {
			if target, ok := workflow.TargetedDepartment(request); ok && target != actor.Role {
				return appErrors.Clone(appErrors.ErrForbidden,
					fmt.Sprintf("only the %s department may respond to this check", target))
			}
		}
		return nil
	}
	if workflow.CanRespond(request, actor.Role, actor.UserID) {
		return nil
	}
	if actor.Role == models.RoleDean && actionName == dto.ActionNameDeanSendToRequester {
		return nil
	}
	if len(approvers) == 0 {
		return appErrors.Clone(appErrors.ErrForbidden,
			fmt.Sprintf("request at %s accepts no further actions", request.Status))
	}
	return appErrors.Clone(appErrors.ErrForbidden,
		fmt.Sprintf("action requires one of: %s", joinRoles(approvers)))
}

// planApprove resolves the next status through the prioritized approval
// rules. A missing transition for an authorized approver is a table bug and
// fails loudly rather than leaving the status unchanged.
func (s *RequestService) planApprove(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	next, ok := workflow.ResolveApproval(request.Status, actor.Role, request.CostEstimate)
	if !ok {
		// A requester holds the status while a query waits on them, but the
		// only way forward is a response, never an approval.
		if actor.Role == models.RoleRequester {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("approve is not available from %s, respond with %s instead", request.Status, dto.ActionNameQueryAndReapprove))
		}
		s.logger.Error("no approval transition for authorized actor",
			zap.String("request_id", request.ID),
			zap.String("status", string(request.Status)),
			zap.String("role", string(actor.Role)))
		return appErrors.Clone(appErrors.ErrInvariant,
			fmt.Sprintf("no approval transition from %s for role %s", request.Status, actor.Role))
	}
	entry.Action = models.ActionApprove
	entry.NewStatus = next
	entry.Approval = &models.ApprovalDetail{
		Notes:           strings.TrimSpace(input.Notes),
		BudgetAvailable: input.BudgetAvailable,
		BudgetAllocated: input.BudgetAllocated,
		BudgetSpent:     input.BudgetSpent,
		BudgetBalance:   input.BudgetBalance,
		SOPReference:    strings.TrimSpace(input.SOPReference),
		Attachments:     input.Attachments,
	}
	if ref := strings.TrimSpace(input.SOPReference); ref != "" {
		params.SOPReference = &ref
	}
	params.BudgetAvailable = input.BudgetAvailable
	params.BudgetAllocated = input.BudgetAllocated
	params.BudgetSpent = input.BudgetSpent
	params.BudgetBalance = input.BudgetBalance
	if input.BudgetAvailable != nil && !*input.BudgetAvailable {
		notAvail := true
		params.BudgetNotAvail = &notAvail
	}
	params.MergeAttachments = input.Attachments
	return nil
}

func (s *RequestService) planReject(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	notes := strings.TrimSpace(input.Notes)
	if notes == "" {
		return appErrors.Clone(appErrors.ErrValidation, "rejection notes are required")
	}
	entry.Action = models.ActionReject
	entry.NewStatus = models.StatusRejected
	entry.Rejection = &models.RejectionDetail{Notes: notes}
	// An outright rejection ends any open query round with the workflow.
	params.PendingQuery = false
	params.QueryLevel = ""
	params.MergeAttachments = input.Attachments
	return nil
}

func (s *RequestService) planClarify(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return appErrors.Clone(appErrors.ErrValidation, "clarification message is required")
	}
	entry.Action = models.ActionClarify
	if actor.Role == models.RoleDean && input.Department != "" {
		if !models.IsDepartmentRole(input.Department) {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("unknown verification department: %s", input.Department))
		}
		entry.NewStatus = models.StatusDepartmentChecks
		entry.Clarify = &models.ClarifyDetail{Message: message, QueryTarget: input.Department}
		return nil
	}
	entry.NewStatus = models.StatusClarificationRequired
	entry.Clarify = &models.ClarifyDetail{Message: message, QueryType: strings.TrimSpace(input.QueryType)}
	params.PendingQuery = true
	params.QueryLevel = models.RoleRequester
	return nil
}

func (s *RequestService) planForward(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	if request.Status == models.StatusInstitutionVerified {
		return appErrors.Clone(appErrors.ErrValidation,
			"verified requests are routed with send_to_vp or send_to_dean")
	}
	next, ok := workflow.ResolveForward(request.Status, actor.Role)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("forward is not available from %s", request.Status))
	}
	entry.Action = models.ActionForward
	entry.NewStatus = next
	// Forward attachments live only in the history entry, never on the
	// request's top-level list.
	entry.Forward = &models.ForwardDetail{
		Message:            strings.TrimSpace(input.Message),
		Attachments:        input.Attachments,
		DepartmentResponse: request.Status == models.StatusDepartmentChecks,
	}
	return nil
}

func (s *RequestService) planManagerRouting(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	if actor.Role != models.RoleInstitutionManager || request.Status != models.StatusInstitutionVerified {
		return appErrors.Clone(appErrors.ErrForbidden,
			"only the institution manager can route a fully verified request")
	}
	entry.Action = models.ActionForward
	entry.Forward = &models.ForwardDetail{Message: strings.TrimSpace(input.Message)}
	if input.Action == dto.ActionNameSendToDean {
		entry.NewStatus = models.StatusDeanReview
		sent := true
		params.SentToDean = &sent
	} else {
		entry.NewStatus = models.StatusVPApproval
	}
	return nil
}

func (s *RequestService) planRejectWithQuery(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	queryText := strings.TrimSpace(input.QueryText)
	if queryText == "" {
		return appErrors.Clone(appErrors.ErrValidation, "query text is required")
	}
	target, ok := workflow.QueryTarget(request.Status, actor.Role)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("no clarification target exists for role %s", actor.Role))
	}
	entry.Action = models.ActionRejectWithClarification
	entry.NewStatus = target.Status
	entry.Query = &models.QueryDetail{
		Request:               queryText,
		RequiresClarification: true,
		DeanMediated:          target.DeanMediated,
		OriginalRejector:      &models.RejectorRef{Role: actor.Role, Name: actor.FullName},
	}
	params.PendingQuery = true
	params.QueryLevel = target.Role
	return nil
}

func (s *RequestService) planQueryResponse(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	response := strings.TrimSpace(input.ResponseText)
	if response == "" {
		return appErrors.Clone(appErrors.ErrValidation, "response text is required")
	}
	if !workflow.CanRespond(request, actor.Role, actor.UserID) {
		return appErrors.Clone(appErrors.ErrForbidden, "request is not pending a response from you")
	}
	entry.Action = models.ActionClarifyAndReapprove
	entry.QueryResponse = &models.QueryResponseDetail{Response: response, Attachments: input.Attachments}
	params.MergeAttachments = input.Attachments

	if actor.Role == models.RoleRequester && workflow.IsDeanMediated(request) {
		// The answer still needs the mediating dean's review before the
		// chain resumes.
		entry.NewStatus = models.StatusDeanReview
		params.PendingQuery = true
		params.QueryLevel = models.RoleDean
		return nil
	}
	if actor.Role == models.RoleDean {
		entry.NewStatus = models.StatusDeanReview
		params.PendingQuery = false
		params.QueryLevel = ""
		return nil
	}
	next, ok := workflow.ReturnStatus(request)
	if !ok {
		// A plain clarification round has no originating rejection; the
		// response re-enters the chain through the transition table.
		next, ok = workflow.NextStatus(request.Status, models.ActionClarifyAndReapprove, actor.Role, request.CostEstimate)
	}
	if !ok {
		s.logger.Error("no return status for resolved query",
			zap.String("request_id", request.ID),
			zap.String("status", string(request.Status)))
		return appErrors.Clone(appErrors.ErrInvariant, "cannot determine where the request resumes")
	}
	entry.NewStatus = next
	params.PendingQuery = false
	params.QueryLevel = ""
	return nil
}

func (s *RequestService) planDeanRelay(request *models.Request, input dto.ActionInput, actor *models.JWTClaims, entry *models.HistoryEntry, params *repository.AppendHistoryParams) error {
	if actor.Role != models.RoleDean {
		return appErrors.Clone(appErrors.ErrForbidden, "only the dean can relay a rejection to the requester")
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return appErrors.Clone(appErrors.ErrValidation, "a message for the requester is required")
	}
	entry.Action = models.ActionClarify
	entry.NewStatus = models.StatusSubmitted
	entry.Clarify = &models.ClarifyDetail{Message: message, SentToRequester: true}
	params.PendingQuery = true
	params.QueryLevel = models.RoleRequester
	return nil
}

// generateNumber allocates an unused human-facing 6-digit request number.
func (s *RequestService) generateNumber(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(900000))
		if err != nil {
			return "", err
		}
		number := fmt.Sprintf("%06d", n.Int64()+100000)
		exists, err := s.repo.NumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique request number")
}

func (s *RequestService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "request",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "request-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func (s *RequestService) invalidateListCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, "requests:list:*")
}

func joinRoles(roles []models.UserRole) string {
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
