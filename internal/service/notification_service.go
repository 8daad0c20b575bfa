package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erpgate/erpgate-api/internal/models"
	"github.com/erpgate/erpgate-api/pkg/config"
	"github.com/erpgate/erpgate-api/pkg/jobs"
)

type notificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// levelNotice is the payload enqueued when a registration enters a level.
type levelNotice struct {
	RequestID string
	Level     int
	LevelName string
	Approvers []models.ApproverRef
}

// NotificationService writes approver notifications asynchronously through an
// in-memory worker queue. Delivery is best-effort: a full buffer or a write
// failure never blocks or fails the workflow transition that produced it.
type NotificationService struct {
	repo    notificationStore
	queue   *jobs.Queue
	logger  *zap.Logger
	enabled bool
}

// NewNotificationService constructs the service and its queue.
func NewNotificationService(repo notificationStore, logger *zap.Logger, cfg config.NotificationsConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{repo: repo, logger: logger, enabled: cfg.Enabled}
	s.queue = jobs.NewQueue("approver-notifications", s.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	return s
}

// Start launches the queue workers.
func (s *NotificationService) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *NotificationService) Stop() {
	if !s.enabled {
		return
	}
	s.queue.Stop()
}

// NotifyLevelEntered enqueues notifications for every approver of the level.
func (s *NotificationService) NotifyLevelEntered(requestID string, level int, levelName string, approvers []models.ApproverRef) {
	if !s.enabled || len(approvers) == 0 {
		return
	}
	err := s.queue.Enqueue(jobs.Job{
		ID:   uuid.NewString(),
		Type: "level-entered",
		Payload: levelNotice{
			RequestID: requestID,
			Level:     level,
			LevelName: levelName,
			Approvers: approvers,
		},
	})
	if err != nil {
		s.logger.Warn("failed to enqueue approver notifications",
			zap.String("registration_id", requestID), zap.Error(err))
	}
}

// ListForUser returns a user's latest notifications.
func (s *NotificationService) ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	notice, ok := job.Payload.(levelNotice)
	if !ok {
		s.logger.Warn("unexpected notification payload", zap.String("job_type", job.Type))
		return nil
	}
	message := fmt.Sprintf("Registration %s awaits your approval at level %d (%s)",
		notice.RequestID, notice.Level, notice.LevelName)
	for _, approver := range notice.Approvers {
		n := &models.Notification{
			UserID:    approver.ID,
			RequestID: notice.RequestID,
			Level:     notice.Level,
			Message:   message,
		}
		if err := s.repo.Create(ctx, n); err != nil {
			return fmt.Errorf("write notification for %s: %w", approver.ID, err)
		}
	}
	return nil
}
