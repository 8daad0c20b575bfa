package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/erpgate/erpgate-api/internal/models"
)

// WorkflowRepository looks up workflow definitions. The engine only ever reads
// the active definition for a template; authoring is out of scope here.
type WorkflowRepository struct {
	db *sqlx.DB
}

// NewWorkflowRepository constructs the repository.
func NewWorkflowRepository(db *sqlx.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// GetActiveByTemplate returns the active workflow for a template with its
// levels ordered by level_order. Returns sql.ErrNoRows when none is active.
func (r *WorkflowRepository) GetActiveByTemplate(ctx context.Context, templateID string) (*models.WorkflowDefinition, error) {
	const workflowQuery = `SELECT id, template_id, name, active, created_at, updated_at
	FROM workflows WHERE template_id = $1 AND active = TRUE
	ORDER BY updated_at DESC LIMIT 1`
	var def models.WorkflowDefinition
	if err := r.db.GetContext(ctx, &def, workflowQuery, templateID); err != nil {
		return nil, err
	}

	const levelQuery = `SELECT id, workflow_id, level_order, level_name, approver_ids, approver_group_ids,
	       is_parallel, editable_fields, conditions
	FROM workflow_levels WHERE workflow_id = $1 ORDER BY level_order ASC`
	if err := r.db.SelectContext(ctx, &def.Levels, levelQuery, def.ID); err != nil {
		return nil, fmt.Errorf("load workflow levels: %w", err)
	}
	return &def, nil
}
