package models

import (
	"encoding/json"
	"time"
)

// OperationType distinguishes ERP record creation from alteration of an existing record.
type OperationType string

const (
	OperationNew        OperationType = "NEW"
	OperationAlteration OperationType = "ALTERATION"
)

// IsValid reports whether the operation type is one of the supported values.
func (o OperationType) IsValid() bool {
	return o == OperationNew || o == OperationAlteration
}

// RegistrationStatus captures the lifecycle state of a registration request.
type RegistrationStatus string

const (
	StatusDraft           RegistrationStatus = "DRAFT"
	StatusPendingApproval RegistrationStatus = "PENDING_APPROVAL"
	StatusInApproval      RegistrationStatus = "IN_APPROVAL"
	StatusApproved        RegistrationStatus = "APPROVED"
	StatusSyncing         RegistrationStatus = "SYNCING"
	StatusSynced          RegistrationStatus = "SYNCED"
	StatusRejected        RegistrationStatus = "REJECTED"
	StatusSyncFailed      RegistrationStatus = "SYNC_FAILED"
)

// registrationTransitions is the closed transition table for the workflow.
// PENDING_APPROVAL and IN_APPROVAL are behaviourally equivalent; the former
// only marks "awaiting the first level".
var registrationTransitions = map[RegistrationStatus][]RegistrationStatus{
	StatusDraft:           {StatusPendingApproval},
	StatusPendingApproval: {StatusInApproval, StatusApproved, StatusRejected},
	StatusInApproval:      {StatusInApproval, StatusApproved, StatusRejected},
	StatusApproved:        {StatusSyncing},
	StatusSyncing:         {StatusSynced, StatusSyncFailed},
	StatusSyncFailed:      {StatusApproved},
	StatusSynced:          {},
	StatusRejected:        {},
}

// CanTransitionTo reports whether a direct transition to next is permitted.
func (s RegistrationStatus) CanTransitionTo(next RegistrationStatus) bool {
	for _, allowed := range registrationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActionable reports whether approvers may act on the registration.
func (s RegistrationStatus) IsActionable() bool {
	return s == StatusPendingApproval || s == StatusInApproval
}

// IsTerminal reports whether no further transitions are possible.
func (s RegistrationStatus) IsTerminal() bool {
	return len(registrationTransitions[s]) == 0
}

// String returns the string representation of the status.
func (s RegistrationStatus) String() string {
	return string(s)
}

// RegistrationRequest is a proposed create/alter record destined for the ERP,
// routed through the approval workflow before synchronization.
type RegistrationRequest struct {
	ID                 string             `db:"id" json:"id"`
	TemplateID         string             `db:"template_id" json:"templateId"`
	SourceTableName    string             `db:"source_table_name" json:"sourceTableName"`
	RequesterID        string             `db:"requester_id" json:"requesterId"`
	RequesterEmail     string             `db:"requester_email" json:"requesterEmail"`
	FormData           []byte             `db:"form_data" json:"formData"`
	OperationType      OperationType      `db:"operation_type" json:"operationType"`
	OriginalExternalID *string            `db:"original_external_id" json:"originalExternalId,omitempty"`
	Status             RegistrationStatus `db:"status" json:"status"`
	CurrentLevel       int                `db:"current_level" json:"currentLevel"`
	WorkflowSnapshot   []byte             `db:"workflow_snapshot" json:"workflowSnapshot,omitempty"`
	ExternalRecordID   *string            `db:"external_record_id" json:"externalRecordId,omitempty"`
	SyncError          *string            `db:"sync_error" json:"syncError,omitempty"`
	SyncLog            *string            `db:"sync_log" json:"syncLog,omitempty"`
	SubmittedAt        *time.Time         `db:"submitted_at" json:"submittedAt,omitempty"`
	SyncedAt           *time.Time         `db:"synced_at" json:"syncedAt,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updatedAt"`
}

// Snapshot decodes the frozen workflow snapshot. Returns nil before submission.
func (r *RegistrationRequest) Snapshot() (*WorkflowSnapshot, error) {
	if len(r.WorkflowSnapshot) == 0 {
		return nil, nil
	}
	var snapshot WorkflowSnapshot
	if err := json.Unmarshal(r.WorkflowSnapshot, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RegistrationFilter constrains listing queries.
type RegistrationFilter struct {
	Status      []RegistrationStatus
	TemplateID  string
	RequesterID string
	Operation   OperationType
	Limit       int
	Offset      int
}
