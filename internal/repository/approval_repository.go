package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/models"
)

// ApprovalRepository reads approval rows. Writes happen inside the
// registration repository's workflow transactions.
type ApprovalRepository struct {
	db *sqlx.DB
}

// NewApprovalRepository constructs the repository.
func NewApprovalRepository(db *sqlx.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// ListByRequest returns all approval rows for a registration ordered by level
// and creation time.
func (r *ApprovalRepository) ListByRequest(ctx context.Context, requestID string) ([]models.Approval, error) {
	const query = `SELECT id, request_id, level, approver_id, approver_email, action, comments, action_at, created_at
	FROM approvals WHERE request_id = $1 ORDER BY level ASC, created_at ASC`
	var approvals []models.Approval
	if err := r.db.SelectContext(ctx, &approvals, query, requestID); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return approvals, nil
}

// HasPendingAt reports whether the approver holds a PENDING row at the level.
func (r *ApprovalRepository) HasPendingAt(ctx context.Context, requestID string, level int, approverID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM approvals
	WHERE request_id = $1 AND level = $2 AND approver_id = $3 AND action = 'PENDING'`
	var count int
	if err := r.db.GetContext(ctx, &count, query, requestID, level, approverID); err != nil {
		return false, fmt.Errorf("check pending approval: %w", err)
	}
	return count > 0, nil
}

// ListPendingForUser returns the approver's work queue: registrations with a
// PENDING row assigned to the user at the registration's current level.
func (r *ApprovalRepository) ListPendingForUser(ctx context.Context, userID string) ([]dto.PendingApprovalItem, error) {
	const query = `SELECT rr.id AS request_id, rr.template_id, rr.source_table_name, rr.operation_type,
	       rr.requester_email, a.level, rr.status, rr.submitted_at
	FROM approvals a
	JOIN registration_requests rr ON rr.id = a.request_id
	WHERE a.approver_id = $1 AND a.action = 'PENDING' AND a.level = rr.current_level
	  AND rr.status IN ('PENDING_APPROVAL', 'IN_APPROVAL')
	ORDER BY rr.submitted_at ASC`
	var items []dto.PendingApprovalItem
	if err := r.db.SelectContext(ctx, &items, query, userID); err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return items, nil
}
