package models

import "time"

// ApprovalAction is the decision recorded on one approval row.
type ApprovalAction string

const (
	ApprovalPending  ApprovalAction = "PENDING"
	ApprovalApproved ApprovalAction = "APPROVED"
	ApprovalRejected ApprovalAction = "REJECTED"
)

// Approval is one row per resolved approver per level instance. Rows are
// created atomically when a level is entered and are never deleted; an
// approver acts at most once per level.
type Approval struct {
	ID            string         `db:"id" json:"id"`
	RequestID     string         `db:"request_id" json:"requestId"`
	Level         int            `db:"level" json:"level"`
	ApproverID    string         `db:"approver_id" json:"approverId"`
	ApproverEmail string         `db:"approver_email" json:"approverEmail"`
	Action        ApprovalAction `db:"action" json:"action"`
	Comments      *string        `db:"comments" json:"comments,omitempty"`
	ActionAt      *time.Time     `db:"action_at" json:"actionAt,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"createdAt"`
}

// ApproverRef identifies a resolved approver.
type ApproverRef struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
}
