package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/erpgate/erpgate-api/internal/models"
)

// TemplateRepository reads form templates. Template authoring lives outside
// this service.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetByID fetches a template by identifier.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*models.FormTemplate, error) {
	const query = `SELECT id, name, source_table_name, schema, active, created_at, updated_at
	FROM form_templates WHERE id = $1`
	var tpl models.FormTemplate
	if err := r.db.GetContext(ctx, &tpl, query, id); err != nil {
		return nil, err
	}
	return &tpl, nil
}
