package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/erpgate/erpgate-api/internal/models"
)

// FieldChangeRepository reads the append-only field change audit trail.
// Records are written inside the approval transaction.
type FieldChangeRepository struct {
	db *sqlx.DB
}

// NewFieldChangeRepository constructs the repository.
func NewFieldChangeRepository(db *sqlx.DB) *FieldChangeRepository {
	return &FieldChangeRepository{db: db}
}

// ListByRequest returns the change history of a registration, oldest first.
func (r *FieldChangeRepository) ListByRequest(ctx context.Context, requestID string) ([]models.FieldChangeRecord, error) {
	const query = `SELECT id, request_id, field_name, previous_value, new_value, changed_by_id, approval_level, changed_at
	FROM field_changes WHERE request_id = $1 ORDER BY changed_at ASC`
	var changes []models.FieldChangeRecord
	if err := r.db.SelectContext(ctx, &changes, query, requestID); err != nil {
		return nil, fmt.Errorf("list field changes: %w", err)
	}
	return changes, nil
}
