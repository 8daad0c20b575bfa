package dto

import (
	"encoding/json"
	"time"

	"github.com/erpgate/erpgate-api/internal/models"
)

// CreateRegistrationRequest payload for opening a new draft registration.
type CreateRegistrationRequest struct {
	TemplateID         string               `json:"templateId" validate:"required"`
	OperationType      models.OperationType `json:"operationType" validate:"required"`
	OriginalExternalID string               `json:"originalExternalId"`
	FormData           json.RawMessage      `json:"formData" validate:"required"`
}

// UpdateRegistrationRequest replaces the form data of a draft.
type UpdateRegistrationRequest struct {
	FormData json.RawMessage `json:"formData" validate:"required"`
}

// ApproveRegistrationRequest carries an approver decision with optional
// in-flight field edits.
type ApproveRegistrationRequest struct {
	Changes  map[string]json.RawMessage `json:"changes,omitempty"`
	Comments string                     `json:"comments"`
}

// RejectRegistrationRequest records a rejection and its reason.
type RejectRegistrationRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RegistrationQuery mirrors supported listing filters.
type RegistrationQuery struct {
	Status     []models.RegistrationStatus
	TemplateID string
	Operation  models.OperationType
	Limit      int
	Offset     int
}

// EditableFieldsInfo describes which fields the current level may edit.
type EditableFieldsInfo struct {
	RequestID      string   `json:"requestId"`
	CurrentLevel   int      `json:"currentLevel"`
	LevelName      string   `json:"levelName"`
	EditableFields []string `json:"editableFields"`
}

// PendingApprovalItem is one entry in an approver's work queue.
type PendingApprovalItem struct {
	RequestID       string                    `db:"request_id" json:"requestId"`
	TemplateID      string                    `db:"template_id" json:"templateId"`
	SourceTableName string                    `db:"source_table_name" json:"sourceTableName"`
	OperationType   models.OperationType      `db:"operation_type" json:"operationType"`
	RequesterEmail  string                    `db:"requester_email" json:"requesterEmail"`
	Level           int                       `db:"level" json:"level"`
	Status          models.RegistrationStatus `db:"status" json:"status"`
	SubmittedAt     *time.Time                `db:"submitted_at" json:"submittedAt,omitempty"`
}
