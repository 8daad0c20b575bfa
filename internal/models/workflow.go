package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// WorkflowDefinition is the live, editable approval workflow configured per
// form template. The engine never acts on it directly after submission; it is
// frozen into a WorkflowSnapshot at submit time.
type WorkflowDefinition struct {
	ID         string          `db:"id" json:"id"`
	TemplateID string          `db:"template_id" json:"templateId"`
	Name       string          `db:"name" json:"name"`
	Active     bool            `db:"active" json:"active"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updatedAt"`
	Levels     []WorkflowLevel `db:"-" json:"levels"`
}

// WorkflowLevel is one stage of the approval workflow.
type WorkflowLevel struct {
	ID               string          `db:"id" json:"id"`
	WorkflowID       string          `db:"workflow_id" json:"workflowId"`
	LevelOrder       int             `db:"level_order" json:"levelOrder"`
	LevelName        string          `db:"level_name" json:"levelName"`
	ApproverIDs      pq.StringArray  `db:"approver_ids" json:"approverIds"`
	ApproverGroupIDs pq.StringArray  `db:"approver_group_ids" json:"approverGroupIds"`
	IsParallel       bool            `db:"is_parallel" json:"isParallel"`
	EditableFields   pq.StringArray  `db:"editable_fields" json:"editableFields"`
	Conditions       json.RawMessage `db:"conditions" json:"conditions,omitempty"`
}

// WorkflowSnapshot is the immutable copy of a workflow definition taken at
// submission time. Later edits to the live definition never affect it.
type WorkflowSnapshot struct {
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	FrozenAt   time.Time       `json:"frozenAt"`
	Levels     []SnapshotLevel `json:"levels"`
}

// SnapshotLevel mirrors WorkflowLevel inside a frozen snapshot.
type SnapshotLevel struct {
	LevelOrder       int             `json:"levelOrder"`
	LevelName        string          `json:"levelName"`
	ApproverIDs      []string        `json:"approverIds"`
	ApproverGroupIDs []string        `json:"approverGroupIds"`
	IsParallel       bool            `json:"isParallel"`
	EditableFields   []string        `json:"editableFields"`
	Conditions       json.RawMessage `json:"conditions,omitempty"`
}

// FreezeWorkflow builds an immutable snapshot from the live definition.
func FreezeWorkflow(def *WorkflowDefinition, at time.Time) *WorkflowSnapshot {
	snapshot := &WorkflowSnapshot{
		WorkflowID: def.ID,
		Name:       def.Name,
		FrozenAt:   at,
		Levels:     make([]SnapshotLevel, 0, len(def.Levels)),
	}
	for _, level := range def.Levels {
		snapshot.Levels = append(snapshot.Levels, SnapshotLevel{
			LevelOrder:       level.LevelOrder,
			LevelName:        level.LevelName,
			ApproverIDs:      append([]string(nil), level.ApproverIDs...),
			ApproverGroupIDs: append([]string(nil), level.ApproverGroupIDs...),
			IsParallel:       level.IsParallel,
			EditableFields:   append([]string(nil), level.EditableFields...),
			Conditions:       append(json.RawMessage(nil), level.Conditions...),
		})
	}
	return snapshot
}

// Level returns the snapshot level with the given order, or nil.
func (s *WorkflowSnapshot) Level(order int) *SnapshotLevel {
	for i := range s.Levels {
		if s.Levels[i].LevelOrder == order {
			return &s.Levels[i]
		}
	}
	return nil
}

// NextLevelAfter returns the level with the smallest order strictly greater
// than the given order, or nil when the workflow has no further levels.
func (s *WorkflowSnapshot) NextLevelAfter(order int) *SnapshotLevel {
	var next *SnapshotLevel
	for i := range s.Levels {
		level := &s.Levels[i]
		if level.LevelOrder <= order {
			continue
		}
		if next == nil || level.LevelOrder < next.LevelOrder {
			next = level
		}
	}
	return next
}

// HasEditableField reports whether the field may be edited at this level.
func (l *SnapshotLevel) HasEditableField(name string) bool {
	for _, field := range l.EditableFields {
		if field == name {
			return true
		}
	}
	return false
}
