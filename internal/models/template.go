package models

import "time"

// FormTemplate describes a registration form bound to an ERP source table.
// Template authoring lives outside this service; the engine only reads the
// active template and validates form data against its JSON schema.
type FormTemplate struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	SourceTableName string    `db:"source_table_name" json:"sourceTableName"`
	Schema          []byte    `db:"schema" json:"schema,omitempty"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}
