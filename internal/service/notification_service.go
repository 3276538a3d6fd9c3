package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/workflow"
	"github.com/noah-isme/procureflow-api/pkg/jobs"
)

// StatusChangePayload is the queued notification for one workflow event.
type StatusChangePayload struct {
	RequestID     string               `json:"request_id"`
	RequestNumber string               `json:"request_number"`
	Title         string               `json:"title"`
	Action        models.HistoryAction `json:"action"`
	ActorName     string               `json:"actor_name"`
	NewStatus     models.RequestStatus `json:"new_status"`
	Recipients    []models.UserRole    `json:"recipients"`
	RequesterID   string               `json:"requester_id"`
}

// NotificationService fans workflow events out to the roles that need to
// act next, plus the requester on terminal outcomes. Delivery runs on a
// background queue so mutations never wait on it.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService builds the service and its queue. Call Start
// before enqueueing and Stop on shutdown.
func NewNotificationService(cfg jobs.QueueConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &NotificationService{logger: logger}
	cfg.Logger = logger
	svc.queue = jobs.NewQueue("notifications", svc.deliver, cfg)
	return svc
}

// Start launches the delivery workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// PasswordResetPayload carries a reset token to its owner. The token is
// only ever in flight here, never at rest.
type PasswordResetPayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NotifyPasswordReset enqueues delivery of a freshly issued reset token.
func (s *NotificationService) NotifyPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) {
	err := s.queue.Enqueue(jobs.Job{
		ID:   uuid.NewString(),
		Type: "auth.password_reset",
		Payload: PasswordResetPayload{
			UserID:    user.ID,
			Email:     user.Email,
			FullName:  user.FullName,
			Token:     token,
			ExpiresAt: expiresAt,
		},
	})
	if err != nil {
		s.logger.Warn("failed to enqueue password reset notification",
			zap.String("user_id", user.ID), zap.Error(err))
	}
}

// NotifyStatusChange enqueues a notification for an applied action.
func (s *NotificationService) NotifyStatusChange(ctx context.Context, request *models.Request, entry models.HistoryEntry) {
	payload := StatusChangePayload{
		RequestID:     request.ID,
		RequestNumber: request.Number,
		Title:         request.Title,
		Action:        entry.Action,
		ActorName:     entry.ActorName,
		NewStatus:     entry.NewStatus,
		Recipients:    recipientsFor(request, entry),
		RequesterID:   request.RequesterID,
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "request.status_change",
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("request_id", request.ID), zap.Error(err))
	}
}

// recipientsFor picks whoever owns the new status; terminal outcomes and
// queries waiting on the requester go back to the requester instead.
func recipientsFor(request *models.Request, entry models.HistoryEntry) []models.UserRole {
	if entry.NewStatus.IsTerminal() || (request.PendingQuery && request.QueryLevel == models.RoleRequester) {
		return []models.UserRole{models.RoleRequester}
	}
	return workflow.RequiredApprovers(entry.NewStatus)
}

func (s *NotificationService) deliver(ctx context.Context, job jobs.Job) error {
	if reset, ok := job.Payload.(PasswordResetPayload); ok {
		// The token itself never reaches the logs.
		s.logger.Info("password reset notification",
			zap.String("user_id", reset.UserID),
			zap.String("email", reset.Email),
			zap.Time("expires_at", reset.ExpiresAt))
		return nil
	}
	payload, ok := job.Payload.(StatusChangePayload)
	if !ok {
		s.logger.Warn("dropping notification with unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	roles := make([]string, len(payload.Recipients))
	for i, r := range payload.Recipients {
		roles[i] = string(r)
	}
	s.logger.Info("workflow notification",
		zap.String("request_id", payload.RequestID),
		zap.String("request_number", payload.RequestNumber),
		zap.String("action", string(payload.Action)),
		zap.String("new_status", string(payload.NewStatus)),
		zap.String("actor", payload.ActorName),
		zap.Strings("recipients", roles))
	return nil
}
