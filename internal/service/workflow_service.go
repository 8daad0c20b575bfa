package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/models"
	"github.com/erpgate/erpgate-api/internal/repository"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
)

type workflowStore interface {
	GetActiveByTemplate(ctx context.Context, templateID string) (*models.WorkflowDefinition, error)
}

type engineStore interface {
	GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error)
	Submit(ctx context.Context, params repository.SubmitParams) error
	ActOnLevel(ctx context.Context, params repository.ActParams) (*repository.LevelOutcome, error)
	AdvanceLevel(ctx context.Context, params repository.AdvanceParams) error
	MarkApproved(ctx context.Context, id string, level int) error
	ResetForRetry(ctx context.Context, id string) error
}

type approverResolver interface {
	Resolve(ctx context.Context, level *models.SnapshotLevel) ([]models.ApproverRef, error)
}

type syncTrigger interface {
	OnFullyApproved(ctx context.Context, reg *models.RegistrationRequest)
}

type levelNotifier interface {
	NotifyLevelEntered(requestID string, level int, levelName string, approvers []models.ApproverRef)
}

// WorkflowService is the approval engine. It drives every status transition
// after the draft stage: submission, per-level approval and rejection, level
// advancement with zero-approver skips, and the handoff to ERP sync.
//
// Concurrency relies on the repository, not on in-process locks: acting on a
// level row-locks the registration, and advancing a level is guarded by the
// current level so duplicate advances affect zero rows.
type WorkflowService struct {
	regs      engineStore
	workflows workflowStore
	resolver  approverResolver
	tracker   *FieldChangeTracker
	sync      syncTrigger
	notifier  levelNotifier
	cache     cacheStore
	audit     auditLogger
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewWorkflowService constructs the engine.
func NewWorkflowService(
	regs engineStore,
	workflows workflowStore,
	resolver approverResolver,
	tracker *FieldChangeTracker,
	sync syncTrigger,
	notifier levelNotifier,
	cache cacheStore,
	audit auditLogger,
	metrics *MetricsService,
	logger *zap.Logger,
) *WorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowService{
		regs:      regs,
		workflows: workflows,
		resolver:  resolver,
		tracker:   tracker,
		sync:      sync,
		notifier:  notifier,
		cache:     cache,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// Submit freezes the active workflow for the registration's template and
// enters its first level. The snapshot taken here is the only workflow the
// registration will ever see; later edits to the live definition are ignored.
func (s *WorkflowService) Submit(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.RequesterID != actor.ID && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if reg.Status != models.StatusDraft {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration is %s, only drafts can be submitted", reg.Status))
	}

	def, err := s.workflows.GetActiveByTemplate(ctx, reg.TemplateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "template has no active approval workflow")
		}
		return nil, appErrors.FromError(err)
	}
	if len(def.Levels) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "approval workflow has no levels")
	}

	now := time.Now().UTC()
	snapshot := models.FreezeWorkflow(def, now)
	first := snapshot.Level(snapshot.Levels[0].LevelOrder)
	approvers, err := s.resolver.Resolve(ctx, first)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	if len(approvers) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("workflow level %d (%s) resolves no active approvers", first.LevelOrder, first.LevelName))
	}

	frozen, err := json.Marshal(snapshot)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to freeze workflow")
	}
	if err := s.regs.Submit(ctx, repository.SubmitParams{
		ID:          id,
		Snapshot:    frozen,
		SubmittedAt: now,
		FirstLevel:  first.LevelOrder,
		Approvals:   approvalRows(id, first.LevelOrder, approvers, now),
	}); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "registration was already submitted")
		}
		return nil, appErrors.FromError(err)
	}

	s.metrics.RecordSubmission()
	s.emitAudit(ctx, actor.ID, models.AuditActionRegistrationSubmit, id,
		[]byte(fmt.Sprintf(`{"workflowId":%q,"levels":%d}`, def.ID, len(snapshot.Levels))))
	s.notifyLevel(id, first, approvers)
	s.invalidatePending(ctx, approvers)
	s.logger.Info("registration submitted",
		zap.String("registration_id", id),
		zap.String("workflow_id", def.ID),
		zap.Int("approvers", len(approvers)))

	return s.load(ctx, id)
}

// Approve records the actor's approval at the registration's current level.
// When the level completes, the engine advances level by level, skipping any
// level whose approvers all resolve empty, until it finds a level with
// approvers or marks the registration fully approved and triggers the ERP
// sync. Sync failures are recorded on the registration, never returned here.
func (s *WorkflowService) Approve(ctx context.Context, actor *models.User, id string, req *dto.ApproveRegistrationRequest) (*models.RegistrationRequest, error) {
	reg, level, err := s.actionable(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, changes, err := s.tracker.Apply(reg, req.Changes, level, actor.ID, now)
	if err != nil {
		return nil, err
	}

	outcome, err := s.regs.ActOnLevel(ctx, repository.ActParams{
		RequestID:  id,
		Level:      level.LevelOrder,
		ApproverID: actor.ID,
		Action:     models.ApprovalApproved,
		Comments:   optional(req.Comments),
		ActionAt:   now,
		Changes:    changes,
	})
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	if !outcome.Acted {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("no pending approval for you at level %d", level.LevelOrder))
	}
	if outcome.FormData != nil {
		reg.FormData = outcome.FormData
	}

	s.metrics.RecordApprovalAction(string(models.ApprovalApproved))
	s.emitAudit(ctx, actor.ID, models.AuditActionApprove, id,
		[]byte(fmt.Sprintf(`{"level":%d,"fieldChanges":%d}`, level.LevelOrder, len(changes))))
	if s.cache != nil {
		s.cache.Delete(ctx, repository.PendingApprovalsKey(actor.ID)) //nolint:errcheck
	}
	s.logger.Info("registration approved at level",
		zap.String("registration_id", id),
		zap.String("approver_id", actor.ID),
		zap.Int("level", level.LevelOrder),
		zap.Int("remaining", outcome.RemainingPending))

	if outcome.RemainingPending == 0 {
		s.advanceFrom(ctx, reg, level.LevelOrder)
	}
	return s.load(ctx, id)
}

// Reject records the actor's rejection. A single rejection is a veto: the
// registration moves to REJECTED regardless of other pending approvals at the
// level.
func (s *WorkflowService) Reject(ctx context.Context, actor *models.User, id string, req *dto.RejectRegistrationRequest) (*models.RegistrationRequest, error) {
	_, level, err := s.actionable(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	outcome, err := s.regs.ActOnLevel(ctx, repository.ActParams{
		RequestID:  id,
		Level:      level.LevelOrder,
		ApproverID: actor.ID,
		Action:     models.ApprovalRejected,
		Comments:   optional(req.Reason),
		ActionAt:   now,
	})
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	if !outcome.Acted {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("no pending approval for you at level %d", level.LevelOrder))
	}

	s.metrics.RecordApprovalAction(string(models.ApprovalRejected))
	s.emitAudit(ctx, actor.ID, models.AuditActionReject, id,
		[]byte(fmt.Sprintf(`{"level":%d,"reason":%q}`, level.LevelOrder, req.Reason)))
	s.logger.Info("registration rejected",
		zap.String("registration_id", id),
		zap.String("approver_id", actor.ID),
		zap.Int("level", level.LevelOrder))

	// Everyone holding a row at this level has a stale queue now, including
	// approvers whose group membership changed since submit.
	refs := make([]models.ApproverRef, 0, len(outcome.ApproverIDs))
	for _, approverID := range outcome.ApproverIDs {
		refs = append(refs, models.ApproverRef{ID: approverID})
	}
	s.invalidatePending(ctx, refs)
	return s.load(ctx, id)
}

// RetrySync moves a failed registration back to APPROVED and runs the ERP
// sync again. Only SYNC_FAILED registrations qualify.
func (s *WorkflowService) RetrySync(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.RequesterID != actor.ID && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if reg.Status != models.StatusSyncFailed {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration is %s, only failed syncs can be retried", reg.Status))
	}

	if err := s.regs.ResetForRetry(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "registration is no longer in a failed state")
		}
		return nil, appErrors.FromError(err)
	}
	s.emitAudit(ctx, actor.ID, models.AuditActionSyncRetry, id, nil)
	s.logger.Info("erp sync retry requested",
		zap.String("registration_id", id),
		zap.String("actor_id", actor.ID))

	reg.Status = models.StatusApproved
	reg.SyncError = nil
	reg.SyncLog = nil
	s.sync.OnFullyApproved(ctx, reg)

	return s.load(ctx, id)
}

// advanceFrom walks the workflow forward after a level completed. Levels
// whose approvers all resolve empty are skipped with an audit entry. When no
// level remains, the registration is marked APPROVED and handed to sync.
// Errors here are logged, not returned: the caller's approval already
// succeeded and must not be reported as failed.
func (s *WorkflowService) advanceFrom(ctx context.Context, reg *models.RegistrationRequest, fromLevel int) {
	snapshot, err := reg.Snapshot()
	if err != nil || snapshot == nil {
		s.logger.Error("cannot advance registration without snapshot",
			zap.String("registration_id", reg.ID), zap.Error(err))
		return
	}

	current := fromLevel
	for {
		next := snapshot.NextLevelAfter(current)
		if next == nil {
			if err := s.regs.MarkApproved(ctx, reg.ID, current); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					// A concurrent actor already finished the workflow.
					return
				}
				s.logger.Error("failed to mark registration approved",
					zap.String("registration_id", reg.ID), zap.Error(err))
				return
			}
			reg.Status = models.StatusApproved
			reg.CurrentLevel = current
			s.logger.Info("registration fully approved",
				zap.String("registration_id", reg.ID),
				zap.Int("final_level", current))
			s.sync.OnFullyApproved(ctx, reg)
			return
		}

		approvers, err := s.resolver.Resolve(ctx, next)
		if err != nil {
			s.logger.Error("failed to resolve approvers for next level",
				zap.String("registration_id", reg.ID),
				zap.Int("level", next.LevelOrder),
				zap.Error(err))
			return
		}

		if len(approvers) == 0 {
			if err := s.regs.AdvanceLevel(ctx, repository.AdvanceParams{
				RequestID: reg.ID,
				FromLevel: current,
				ToLevel:   next.LevelOrder,
			}); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return
				}
				s.logger.Error("failed to skip empty workflow level",
					zap.String("registration_id", reg.ID),
					zap.Int("level", next.LevelOrder),
					zap.Error(err))
				return
			}
			s.metrics.RecordLevelSkipped()
			s.emitAudit(ctx, "", models.AuditActionLevelSkipped, reg.ID,
				[]byte(fmt.Sprintf(`{"level":%d,"levelName":%q}`, next.LevelOrder, next.LevelName)))
			s.logger.Warn("workflow level skipped, no active approvers resolve",
				zap.String("registration_id", reg.ID),
				zap.Int("level", next.LevelOrder),
				zap.String("level_name", next.LevelName))
			current = next.LevelOrder
			continue
		}

		now := time.Now().UTC()
		if err := s.regs.AdvanceLevel(ctx, repository.AdvanceParams{
			RequestID: reg.ID,
			FromLevel: current,
			ToLevel:   next.LevelOrder,
			Approvals: approvalRows(reg.ID, next.LevelOrder, approvers, now),
		}); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return
			}
			s.logger.Error("failed to advance workflow level",
				zap.String("registration_id", reg.ID),
				zap.Int("level", next.LevelOrder),
				zap.Error(err))
			return
		}
		s.notifyLevel(reg.ID, next, approvers)
		s.invalidatePending(ctx, approvers)
		s.logger.Info("registration advanced to next level",
			zap.String("registration_id", reg.ID),
			zap.Int("level", next.LevelOrder),
			zap.Int("approvers", len(approvers)))
		return
	}
}

func (s *WorkflowService) actionable(ctx context.Context, id string) (*models.RegistrationRequest, *models.SnapshotLevel, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !reg.Status.IsActionable() {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration is %s, not awaiting approval", reg.Status))
	}
	snapshot, err := reg.Snapshot()
	if err != nil || snapshot == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrInternal, "registration has no workflow snapshot")
	}
	level := snapshot.Level(reg.CurrentLevel)
	if level == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrInternal,
			fmt.Sprintf("snapshot has no level %d", reg.CurrentLevel))
	}
	return reg, level, nil
}

func (s *WorkflowService) load(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	reg, err := s.regs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.FromError(err)
	}
	return reg, nil
}

func (s *WorkflowService) notifyLevel(requestID string, level *models.SnapshotLevel, approvers []models.ApproverRef) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyLevelEntered(requestID, level.LevelOrder, level.LevelName, approvers)
}

func (s *WorkflowService) invalidatePending(ctx context.Context, refs []models.ApproverRef) {
	if s.cache == nil || len(refs) == 0 {
		return
	}
	keys := make([]string, 0, len(refs))
	for _, ref := range refs {
		keys = append(keys, repository.PendingApprovalsKey(ref.ID))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("failed to invalidate pending approval caches", zap.Error(err))
	}
}

func (s *WorkflowService) emitAudit(ctx context.Context, userID, action, resourceID string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "registration",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "workflow-service",
	}
	if userID != "" {
		log.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist workflow audit log", zap.Error(err))
	}
}

func approvalRows(requestID string, level int, approvers []models.ApproverRef, at time.Time) []models.Approval {
	rows := make([]models.Approval, 0, len(approvers))
	for _, approver := range approvers {
		rows = append(rows, models.Approval{
			RequestID:     requestID,
			Level:         level,
			ApproverID:    approver.ID,
			ApproverEmail: approver.Email,
			Action:        models.ApprovalPending,
			CreatedAt:     at,
		})
	}
	return rows
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
