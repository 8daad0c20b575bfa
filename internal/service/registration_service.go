package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/models"
	"github.com/erpgate/erpgate-api/internal/repository"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
	"github.com/erpgate/erpgate-api/pkg/export"
)

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type registrationStore interface {
	Create(ctx context.Context, reg *models.RegistrationRequest) error
	GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error)
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationRequest, error)
	UpdateDraftForm(ctx context.Context, id string, formData []byte) error
	DeleteDraft(ctx context.Context, id string) error
}

type templateStore interface {
	GetByID(ctx context.Context, id string) (*models.FormTemplate, error)
}

type approvalStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]models.Approval, error)
	ListPendingForUser(ctx context.Context, userID string) ([]dto.PendingApprovalItem, error)
}

type fieldChangeStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]models.FieldChangeRecord, error)
}

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RegistrationService owns the draft lifecycle of registration requests and
// the read surfaces around them: listings, approval queues, editable fields
// and change history. Workflow transitions live in WorkflowService.
type RegistrationService struct {
	repo         registrationStore
	templates    templateStore
	approvals    approvalStore
	fieldChanges fieldChangeStore
	cache        cacheStore
	audit        auditLogger
	metrics      *MetricsService
	logger       *zap.Logger
	pendingTTL   time.Duration
}

// NewRegistrationService constructs the service.
func NewRegistrationService(
	repo registrationStore,
	templates templateStore,
	approvals approvalStore,
	fieldChanges fieldChangeStore,
	cache cacheStore,
	audit auditLogger,
	metrics *MetricsService,
	logger *zap.Logger,
	pendingTTL time.Duration,
) *RegistrationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pendingTTL <= 0 {
		pendingTTL = 2 * time.Minute
	}
	return &RegistrationService{
		repo:         repo,
		templates:    templates,
		approvals:    approvals,
		fieldChanges: fieldChanges,
		cache:        cache,
		audit:        audit,
		metrics:      metrics,
		logger:       logger,
		pendingTTL:   pendingTTL,
	}
}

// Create opens a new draft registration for the requesting user.
func (s *RegistrationService) Create(ctx context.Context, requester *models.User, req *dto.CreateRegistrationRequest) (*models.RegistrationRequest, error) {
	if !req.OperationType.IsValid() {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("unknown operation type %q", req.OperationType))
	}
	if req.OperationType == models.OperationAlteration && strings.TrimSpace(req.OriginalExternalID) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			"alteration registrations require the external id of the record to alter")
	}

	tpl, err := s.templates.GetByID(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "form template not found")
		}
		return nil, appErrors.FromError(err)
	}
	if !tpl.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "form template is inactive")
	}
	if err := s.validateFormData(tpl, req.FormData); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	reg := &models.RegistrationRequest{
		TemplateID:      tpl.ID,
		SourceTableName: tpl.SourceTableName,
		RequesterID:     requester.ID,
		RequesterEmail:  requester.Email,
		FormData:        req.FormData,
		OperationType:   req.OperationType,
		Status:          models.StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.OperationType == models.OperationAlteration {
		externalID := strings.TrimSpace(req.OriginalExternalID)
		reg.OriginalExternalID = &externalID
	}
	if err := s.repo.Create(ctx, reg); err != nil {
		return nil, appErrors.FromError(err)
	}

	s.emitAudit(ctx, requester.ID, models.AuditActionRegistrationCreate, reg.ID, nil)
	s.logger.Info("registration draft created",
		zap.String("registration_id", reg.ID),
		zap.String("template_id", tpl.ID),
		zap.String("requester_id", requester.ID))
	return reg, nil
}

// Get returns one registration. Requesters see their own records; approvers
// and admins see everything.
func (s *RegistrationService) Get(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error) {
	reg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.FromError(err)
	}
	if !s.canView(actor, reg) {
		return nil, appErrors.ErrForbidden
	}
	return reg, nil
}

// List returns registrations matching the query. Requesters are scoped to
// their own records.
func (s *RegistrationService) List(ctx context.Context, actor *models.User, query dto.RegistrationQuery) ([]models.RegistrationRequest, error) {
	filter := models.RegistrationFilter{
		Status:     query.Status,
		TemplateID: query.TemplateID,
		Operation:  query.Operation,
		Limit:      query.Limit,
		Offset:     query.Offset,
	}
	if actor.Role == models.RoleRequester {
		filter.RequesterID = actor.ID
	}
	regs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	return regs, nil
}

// UpdateDraft replaces the form data of a draft. Only the requester may edit,
// and only while the registration is still a draft.
func (s *RegistrationService) UpdateDraft(ctx context.Context, actor *models.User, id string, req *dto.UpdateRegistrationRequest) (*models.RegistrationRequest, error) {
	reg, err := s.ownedDraft(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	tpl, err := s.templates.GetByID(ctx, reg.TemplateID)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	if err := s.validateFormData(tpl, req.FormData); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateDraftForm(ctx, id, req.FormData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "only draft registrations can be edited")
		}
		return nil, appErrors.FromError(err)
	}
	reg.FormData = req.FormData
	reg.UpdatedAt = time.Now().UTC()

	s.emitAudit(ctx, actor.ID, models.AuditActionRegistrationUpdate, id, nil)
	return reg, nil
}

// DeleteDraft removes a draft registration.
func (s *RegistrationService) DeleteDraft(ctx context.Context, actor *models.User, id string) error {
	if _, err := s.ownedDraft(ctx, actor, id); err != nil {
		return err
	}
	if err := s.repo.DeleteDraft(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrInvalidState, "only draft registrations can be deleted")
		}
		return appErrors.FromError(err)
	}
	s.emitAudit(ctx, actor.ID, models.AuditActionRegistrationDelete, id, nil)
	return nil
}

// GetPendingApprovalsFor returns the approver's work queue, cached in Redis
// for a short window. Workflow transitions invalidate the affected keys.
func (s *RegistrationService) GetPendingApprovalsFor(ctx context.Context, userID string) ([]dto.PendingApprovalItem, error) {
	key := repository.PendingApprovalsKey(userID)
	if s.cache != nil {
		var cached []dto.PendingApprovalItem
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.metrics.RecordCacheOperation(true)
			return cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("pending approvals cache read failed", zap.Error(err))
		}
		s.metrics.RecordCacheOperation(false)
	}

	items, err := s.approvals.ListPendingForUser(ctx, userID)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, items, s.pendingTTL); err != nil {
			s.logger.Warn("pending approvals cache write failed", zap.Error(err))
		}
	}
	return items, nil
}

// GetApprovalHistory returns every approval row of a registration.
func (s *RegistrationService) GetApprovalHistory(ctx context.Context, actor *models.User, id string) ([]models.Approval, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	approvals, err := s.approvals.ListByRequest(ctx, id)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	return approvals, nil
}

// GetFieldChangeHistory returns the audited in-flight edits of a registration.
func (s *RegistrationService) GetFieldChangeHistory(ctx context.Context, actor *models.User, id string) ([]models.FieldChangeRecord, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	changes, err := s.fieldChanges.ListByRequest(ctx, id)
	if err != nil {
		return nil, appErrors.FromError(err)
	}
	return changes, nil
}

// GetEditableFields reports which fields the current level may edit, taken
// from the frozen snapshot.
func (s *RegistrationService) GetEditableFields(ctx context.Context, actor *models.User, id string) (*dto.EditableFieldsInfo, error) {
	reg, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !reg.Status.IsActionable() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration is %s, not awaiting approval", reg.Status))
	}
	snapshot, err := reg.Snapshot()
	if err != nil || snapshot == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "registration has no workflow snapshot")
	}
	level := snapshot.Level(reg.CurrentLevel)
	if level == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal,
			fmt.Sprintf("snapshot has no level %d", reg.CurrentLevel))
	}
	return &dto.EditableFieldsInfo{
		RequestID:      reg.ID,
		CurrentLevel:   level.LevelOrder,
		LevelName:      level.LevelName,
		EditableFields: append([]string(nil), level.EditableFields...),
	}, nil
}

// BuildReport renders the registrations matching the query as a flat dataset.
func (s *RegistrationService) BuildReport(ctx context.Context, actor *models.User, query dto.RegistrationQuery) (export.Dataset, error) {
	regs, err := s.List(ctx, actor, query)
	if err != nil {
		return export.Dataset{}, err
	}
	data := export.Dataset{
		Headers: []string{"ID", "Table", "Operation", "Requester", "Status", "Level", "Submitted", "Synced"},
		Rows:    make([]map[string]string, 0, len(regs)),
	}
	for _, reg := range regs {
		data.Rows = append(data.Rows, map[string]string{
			"ID":        reg.ID,
			"Table":     reg.SourceTableName,
			"Operation": string(reg.OperationType),
			"Requester": reg.RequesterEmail,
			"Status":    string(reg.Status),
			"Level":     fmt.Sprintf("%d", reg.CurrentLevel),
			"Submitted": formatTime(reg.SubmittedAt),
			"Synced":    formatTime(reg.SyncedAt),
		})
	}
	return data, nil
}

func (s *RegistrationService) ownedDraft(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error) {
	reg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.FromError(err)
	}
	if reg.RequesterID != actor.ID && actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if reg.Status != models.StatusDraft {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration is %s, only drafts can be modified", reg.Status))
	}
	return reg, nil
}

func (s *RegistrationService) canView(actor *models.User, reg *models.RegistrationRequest) bool {
	if actor.Role == models.RoleAdmin || actor.Role == models.RoleApprover {
		return true
	}
	return reg.RequesterID == actor.ID
}

func (s *RegistrationService) validateFormData(tpl *models.FormTemplate, formData json.RawMessage) error {
	if len(formData) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "form data is required")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(formData, &probe); err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "form data must be a JSON object")
	}
	if len(tpl.Schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(tpl.Schema),
		gojsonschema.NewBytesLoader(formData),
	)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "form data validation failed")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return appErrors.Clone(appErrors.ErrValidation, strings.Join(details, "; "))
	}
	return nil
}

func (s *RegistrationService) emitAudit(ctx context.Context, userID, action, resourceID string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "registration",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "registration-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
