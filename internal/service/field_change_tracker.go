package service

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/erpgate/erpgate-api/internal/models"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
)

// FieldChangeTracker validates and audits in-flight edits proposed by an
// approver. Editable fields always come from the frozen workflow snapshot,
// never from the live definition.
type FieldChangeTracker struct{}

// NewFieldChangeTracker constructs the tracker.
func NewFieldChangeTracker() *FieldChangeTracker {
	return &FieldChangeTracker{}
}

// Apply merges the proposed changes into a copy of the registration's form
// data. Fields outside the level's editable whitelist fail with a validation
// error; values structurally equal to the current ones are no-ops. Returns the
// merged document and one FieldChangeRecord per real change, or (nil, nil)
// when nothing changed.
func (t *FieldChangeTracker) Apply(
	reg *models.RegistrationRequest,
	proposed map[string]json.RawMessage,
	level *models.SnapshotLevel,
	actorID string,
	at time.Time,
) ([]byte, []models.FieldChangeRecord, error) {
	if len(proposed) == 0 {
		return nil, nil, nil
	}

	for name := range proposed {
		if !level.HasEditableField(name) {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("field %q is not editable at level %d", name, level.LevelOrder))
		}
	}

	form := map[string]json.RawMessage{}
	if len(reg.FormData) > 0 {
		if err := json.Unmarshal(reg.FormData, &form); err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "registration form data is not a JSON object")
		}
	}

	records := make([]models.FieldChangeRecord, 0, len(proposed))
	for name, newValue := range proposed {
		previous, exists := form[name]
		if exists && jsonEqual(previous, newValue) {
			continue
		}
		record := models.FieldChangeRecord{
			RequestID:     reg.ID,
			FieldName:     name,
			NewValue:      append([]byte(nil), newValue...),
			ChangedByID:   actorID,
			ApprovalLevel: level.LevelOrder,
			ChangedAt:     at,
		}
		if exists {
			record.PreviousValue = append([]byte(nil), previous...)
		}
		records = append(records, record)
		form[name] = newValue
	}

	if len(records) == 0 {
		return nil, nil, nil
	}

	merged, err := json.Marshal(form)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to merge form data")
	}
	return merged, records, nil
}

// jsonEqual compares two raw JSON values by structure, so formatting and key
// order differences do not count as changes.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
