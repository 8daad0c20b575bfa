package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erpgate/erpgate-api/internal/models"
)

type erpGateway interface {
	CreateRecord(ctx context.Context, table string, payload json.RawMessage) (string, error)
	UpdateRecord(ctx context.Context, table, externalID string, payload json.RawMessage) (string, error)
}

type syncStateStore interface {
	MarkSyncing(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id, externalRecordID, syncLog string) error
	MarkSyncFailed(ctx context.Context, id, syncError, syncLog string) error
}

// SyncService pushes a fully approved registration into the ERP and records
// the outcome on the registration itself. A failed sync leaves the
// registration in SYNC_FAILED for an explicit retry; it is never surfaced as
// an error of the approval action that triggered it.
type SyncService struct {
	erp     erpGateway
	repo    syncStateStore
	audit   auditLogger
	metrics *MetricsService
	logger  *zap.Logger
}

// NewSyncService constructs the service.
func NewSyncService(erp erpGateway, repo syncStateStore, audit auditLogger, metrics *MetricsService, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{erp: erp, repo: repo, audit: audit, metrics: metrics, logger: logger}
}

// OnFullyApproved synchronizes the registration. Called exactly once per
// terminal approval, and again on each explicit retry.
func (s *SyncService) OnFullyApproved(ctx context.Context, reg *models.RegistrationRequest) {
	if err := s.repo.MarkSyncing(ctx, reg.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Another actor already took over the sync.
			return
		}
		s.logger.Error("failed to mark registration syncing", zap.String("registration_id", reg.ID), zap.Error(err))
		return
	}

	externalID, err := s.push(ctx, reg)
	if err != nil {
		s.logger.Warn("erp sync failed",
			zap.String("registration_id", reg.ID),
			zap.String("table", reg.SourceTableName),
			zap.Error(err))
		failLog := fmt.Sprintf("sync to %s failed at %s: %v", reg.SourceTableName, time.Now().UTC().Format(time.RFC3339), err)
		if storeErr := s.repo.MarkSyncFailed(ctx, reg.ID, err.Error(), failLog); storeErr != nil {
			s.logger.Error("failed to record sync failure", zap.String("registration_id", reg.ID), zap.Error(storeErr))
		}
		s.metrics.RecordSyncOutcome(false)
		s.emitAudit(ctx, reg, models.AuditActionSyncFailure, []byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
		return
	}

	okLog := fmt.Sprintf("synced to %s as record %s at %s", reg.SourceTableName, externalID, time.Now().UTC().Format(time.RFC3339))
	if err := s.repo.MarkSynced(ctx, reg.ID, externalID, okLog); err != nil {
		s.logger.Error("failed to record sync success", zap.String("registration_id", reg.ID), zap.Error(err))
		return
	}
	s.metrics.RecordSyncOutcome(true)
	s.emitAudit(ctx, reg, models.AuditActionSyncSuccess, []byte(fmt.Sprintf(`{"externalRecordId":%q}`, externalID)))
	s.logger.Info("registration synced",
		zap.String("registration_id", reg.ID),
		zap.String("external_record_id", externalID))
}

func (s *SyncService) push(ctx context.Context, reg *models.RegistrationRequest) (string, error) {
	if reg.OperationType == models.OperationAlteration {
		if reg.OriginalExternalID == nil || *reg.OriginalExternalID == "" {
			return "", fmt.Errorf("alteration registration %s has no original external id", reg.ID)
		}
		return s.erp.UpdateRecord(ctx, reg.SourceTableName, *reg.OriginalExternalID, reg.FormData)
	}
	return s.erp.CreateRecord(ctx, reg.SourceTableName, reg.FormData)
}

func (s *SyncService) emitAudit(ctx context.Context, reg *models.RegistrationRequest, action string, payload []byte) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     action,
		Resource:   "registration",
		ResourceID: &reg.ID,
		NewValues:  payload,
		IPAddress:  "system",
		UserAgent:  "sync-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist sync audit log", zap.Error(err))
	}
}
