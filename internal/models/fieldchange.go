package models

import "time"

// FieldChangeRecord is an append-only audit entry for an in-flight edit made
// by an approver during approval. Created only for real value changes.
type FieldChangeRecord struct {
	ID            string    `db:"id" json:"id"`
	RequestID     string    `db:"request_id" json:"requestId"`
	FieldName     string    `db:"field_name" json:"fieldName"`
	PreviousValue []byte    `db:"previous_value" json:"previousValue,omitempty"`
	NewValue      []byte    `db:"new_value" json:"newValue"`
	ChangedByID   string    `db:"changed_by_id" json:"changedById"`
	ApprovalLevel int       `db:"approval_level" json:"approvalLevel"`
	ChangedAt     time.Time `db:"changed_at" json:"changedAt"`
}
