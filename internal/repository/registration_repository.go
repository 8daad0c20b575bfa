package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/erpgate/erpgate-api/internal/models"
)

const registrationColumns = `id, template_id, source_table_name, requester_id, requester_email, form_data,
       operation_type, original_external_id, status, current_level, workflow_snapshot,
       external_record_id, sync_error, sync_log, submitted_at, synced_at, created_at, updated_at`

// RegistrationRepository persists registration requests and executes the
// transactional workflow operations. Every status or level update carries a
// conditional WHERE guard plus a RowsAffected check so concurrent actors can
// never double-apply a transition; approval actions additionally take a row
// lock on the registration to make mark-then-count atomic.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Create inserts a new draft registration.
func (r *RegistrationRepository) Create(ctx context.Context, reg *models.RegistrationRequest) error {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.Status == "" {
		reg.Status = models.StatusDraft
	}
	now := time.Now().UTC()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = now
	const query = `INSERT INTO registration_requests
	(id, template_id, source_table_name, requester_id, requester_email, form_data, operation_type,
	 original_external_id, status, current_level, created_at, updated_at)
	VALUES (:id, :template_id, :source_table_name, :requester_id, :requester_email, :form_data, :operation_type,
	 :original_external_id, :status, :current_level, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, reg); err != nil {
		return fmt.Errorf("create registration: %w", err)
	}
	return nil
}

// GetByID fetches a registration by identifier.
func (r *RegistrationRepository) GetByID(ctx context.Context, id string) (*models.RegistrationRequest, error) {
	query := `SELECT ` + registrationColumns + ` FROM registration_requests WHERE id = $1`
	var reg models.RegistrationRequest
	if err := r.db.GetContext(ctx, &reg, query, id); err != nil {
		return nil, err
	}
	return &reg, nil
}

// List returns registrations matching the filter (latest first).
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationRequest, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 6)
	builder.WriteString(`SELECT ` + registrationColumns + ` FROM registration_requests`)

	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.TemplateID != "" {
		args = append(args, filter.TemplateID)
		conditions = append(conditions, fmt.Sprintf("template_id = $%d", len(args)))
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.Operation != "" {
		args = append(args, filter.Operation)
		conditions = append(conditions, fmt.Sprintf("operation_type = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var regs []models.RegistrationRequest
	if err := r.db.SelectContext(ctx, &regs, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return regs, nil
}

// UpdateDraftForm replaces the form data of a draft. Returns sql.ErrNoRows
// when the registration is no longer a draft.
func (r *RegistrationRepository) UpdateDraftForm(ctx context.Context, id string, formData []byte) error {
	const query = `UPDATE registration_requests SET form_data = $2, updated_at = $3
	WHERE id = $1 AND status = 'DRAFT'`
	result, err := r.db.ExecContext(ctx, query, id, formData, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update draft form: %w", err)
	}
	return requireRowsAffected(result)
}

// DeleteDraft removes a draft registration. Returns sql.ErrNoRows when the
// registration is absent or already submitted.
func (r *RegistrationRepository) DeleteDraft(ctx context.Context, id string) error {
	const query = `DELETE FROM registration_requests WHERE id = $1 AND status = 'DRAFT'`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return requireRowsAffected(result)
}

// SubmitParams freezes the workflow and enters the first level.
type SubmitParams struct {
	ID          string
	Snapshot    []byte
	SubmittedAt time.Time
	// FirstLevel is the order of the snapshot's first level. Level orders
	// need not start at 1 or be contiguous.
	FirstLevel int
	Approvals  []models.Approval
}

// Submit atomically freezes the workflow snapshot, moves the draft to
// PENDING_APPROVAL at the snapshot's first level and creates that level's
// approval rows.
func (r *RegistrationRepository) Submit(ctx context.Context, params SubmitParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const update = `UPDATE registration_requests
	SET workflow_snapshot = $2, status = 'PENDING_APPROVAL', current_level = $4, submitted_at = $3, updated_at = $3
	WHERE id = $1 AND status = 'DRAFT'`
	result, err := tx.ExecContext(ctx, update, params.ID, params.Snapshot, params.SubmittedAt, params.FirstLevel)
	if err != nil {
		return fmt.Errorf("submit registration: %w", err)
	}
	if err := requireRowsAffected(result); err != nil {
		return err
	}
	if err := insertApprovals(ctx, tx, params.Approvals); err != nil {
		return err
	}
	return tx.Commit()
}

// ActParams records one approver decision at a level.
type ActParams struct {
	RequestID  string
	Level      int
	ApproverID string
	Action     models.ApprovalAction
	Comments   *string
	ActionAt   time.Time
	// Changes are per-field deltas merged into the form data under the
	// registration row lock, together with the field change audit rows.
	// Merging inside the transaction keeps concurrent approvers editing
	// different fields from overwriting each other.
	Changes []models.FieldChangeRecord
}

// LevelOutcome reports the result of an approval action.
type LevelOutcome struct {
	// Acted is false when the caller held no PENDING row at the level.
	Acted bool
	// RemainingPending is the number of PENDING rows left at the level
	// after this action. Zero means the level is complete.
	RemainingPending int
	// FormData is the registration form data after any deltas were merged.
	FormData []byte
	// ApproverIDs are the approvers holding rows at the level, whatever
	// their action state.
	ApproverIDs []string
}

// ActOnLevel marks the caller's PENDING approval row and counts the remaining
// pending rows at the level inside one transaction. The SELECT ... FOR UPDATE
// on the registration serializes concurrent approvers of the same
// registration, so the returned count is exact.
func (r *RegistrationRepository) ActOnLevel(ctx context.Context, params ActParams) (*LevelOutcome, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var locked struct {
		Status   models.RegistrationStatus `db:"status"`
		FormData []byte                    `db:"form_data"`
	}
	if err := tx.GetContext(ctx, &locked,
		`SELECT status, form_data FROM registration_requests WHERE id = $1 FOR UPDATE`, params.RequestID); err != nil {
		return nil, err
	}
	if !locked.Status.IsActionable() {
		return nil, sql.ErrNoRows
	}

	const mark = `UPDATE approvals SET action = $4, comments = $5, action_at = $6
	WHERE request_id = $1 AND level = $2 AND approver_id = $3 AND action = 'PENDING'`
	result, err := tx.ExecContext(ctx, mark,
		params.RequestID, params.Level, params.ApproverID, params.Action, params.Comments, params.ActionAt)
	if err != nil {
		return nil, fmt.Errorf("mark approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check approval rows: %w", err)
	}
	if rows == 0 {
		return &LevelOutcome{Acted: false}, nil
	}

	var approverIDs []string
	if err := tx.SelectContext(ctx, &approverIDs,
		`SELECT approver_id FROM approvals WHERE request_id = $1 AND level = $2`,
		params.RequestID, params.Level); err != nil {
		return nil, fmt.Errorf("list level approvers: %w", err)
	}

	if params.Action == models.ApprovalRejected {
		const reject = `UPDATE registration_requests SET status = 'REJECTED', updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, reject, params.RequestID, params.ActionAt); err != nil {
			return nil, fmt.Errorf("reject registration: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &LevelOutcome{Acted: true, ApproverIDs: approverIDs}, nil
	}

	formData := locked.FormData
	if len(params.Changes) > 0 {
		merged, err := mergeFieldChanges(locked.FormData, params.Changes)
		if err != nil {
			return nil, err
		}
		const updateForm = `UPDATE registration_requests SET form_data = $2, updated_at = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, updateForm, params.RequestID, merged, params.ActionAt); err != nil {
			return nil, fmt.Errorf("persist approved form data: %w", err)
		}
		if err := insertFieldChanges(ctx, tx, params.Changes); err != nil {
			return nil, err
		}
		formData = merged
	}

	var remaining int
	if err := tx.GetContext(ctx, &remaining,
		`SELECT COUNT(*) FROM approvals WHERE request_id = $1 AND level = $2 AND action = 'PENDING'`,
		params.RequestID, params.Level); err != nil {
		return nil, fmt.Errorf("count pending approvals: %w", err)
	}
	if remaining > 0 {
		const hold = `UPDATE registration_requests SET status = 'IN_APPROVAL', updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, hold, params.RequestID, params.ActionAt); err != nil {
			return nil, fmt.Errorf("hold registration in approval: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &LevelOutcome{Acted: true, RemainingPending: remaining, FormData: formData, ApproverIDs: approverIDs}, nil
}

// mergeFieldChanges applies field deltas to the form data read under the row
// lock. The locked read is the merge base, not the caller's earlier snapshot
// of the registration.
func mergeFieldChanges(formData []byte, changes []models.FieldChangeRecord) ([]byte, error) {
	form := map[string]json.RawMessage{}
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &form); err != nil {
			return nil, fmt.Errorf("decode form data: %w", err)
		}
	}
	for i := range changes {
		form[changes[i].FieldName] = json.RawMessage(changes[i].NewValue)
	}
	merged, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("merge form data: %w", err)
	}
	return merged, nil
}

// AdvanceParams moves a registration to its next workflow level.
type AdvanceParams struct {
	RequestID string
	FromLevel int
	ToLevel   int
	// Approvals may be empty when a level with zero resolved approvers is
	// skipped; the level counter still advances.
	Approvals []models.Approval
}

// AdvanceLevel bumps current_level and creates the next level's PENDING rows
// atomically. The current_level guard makes the advance exactly-once: a
// concurrent duplicate attempt affects zero rows and gets sql.ErrNoRows.
func (r *RegistrationRepository) AdvanceLevel(ctx context.Context, params AdvanceParams) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const update = `UPDATE registration_requests SET current_level = $3, status = 'IN_APPROVAL', updated_at = $4
	WHERE id = $1 AND current_level = $2 AND status IN ('PENDING_APPROVAL', 'IN_APPROVAL')`
	result, err := tx.ExecContext(ctx, update, params.RequestID, params.FromLevel, params.ToLevel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance level: %w", err)
	}
	if err := requireRowsAffected(result); err != nil {
		return err
	}
	if err := insertApprovals(ctx, tx, params.Approvals); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkApproved finalizes the workflow once the last level completes. The
// current_level guard keeps concurrent final approvals from both completing.
func (r *RegistrationRepository) MarkApproved(ctx context.Context, id string, level int) error {
	const query = `UPDATE registration_requests SET status = 'APPROVED', updated_at = $3
	WHERE id = $1 AND current_level = $2 AND status IN ('PENDING_APPROVAL', 'IN_APPROVAL')`
	result, err := r.db.ExecContext(ctx, query, id, level, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	return requireRowsAffected(result)
}

// MarkSyncing flags the registration as being pushed to the ERP.
func (r *RegistrationRepository) MarkSyncing(ctx context.Context, id string) error {
	const query = `UPDATE registration_requests SET status = 'SYNCING', updated_at = $2
	WHERE id = $1 AND status = 'APPROVED'`
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	return requireRowsAffected(result)
}

// MarkSynced records a successful ERP synchronization.
func (r *RegistrationRepository) MarkSynced(ctx context.Context, id, externalRecordID, syncLog string) error {
	now := time.Now().UTC()
	const query = `UPDATE registration_requests
	SET status = 'SYNCED', external_record_id = $2, sync_error = NULL, sync_log = $3, synced_at = $4, updated_at = $4
	WHERE id = $1 AND status = 'SYNCING'`
	result, err := r.db.ExecContext(ctx, query, id, externalRecordID, syncLog, now)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return requireRowsAffected(result)
}

// MarkSyncFailed stores the ERP failure on the registration.
func (r *RegistrationRepository) MarkSyncFailed(ctx context.Context, id, syncError, syncLog string) error {
	const query = `UPDATE registration_requests
	SET status = 'SYNC_FAILED', sync_error = $2, sync_log = $3, updated_at = $4
	WHERE id = $1 AND status = 'SYNCING'`
	result, err := r.db.ExecContext(ctx, query, id, syncError, syncLog, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}
	return requireRowsAffected(result)
}

// ResetForRetry clears the stored sync result so the sync can run again.
func (r *RegistrationRepository) ResetForRetry(ctx context.Context, id string) error {
	const query = `UPDATE registration_requests
	SET status = 'APPROVED', sync_error = NULL, sync_log = NULL, updated_at = $2
	WHERE id = $1 AND status = 'SYNC_FAILED'`
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset for retry: %w", err)
	}
	return requireRowsAffected(result)
}

func insertApprovals(ctx context.Context, tx *sqlx.Tx, approvals []models.Approval) error {
	if len(approvals) == 0 {
		return nil
	}
	const query = `INSERT INTO approvals (id, request_id, level, approver_id, approver_email, action, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	now := time.Now().UTC()
	for i := range approvals {
		approval := &approvals[i]
		if approval.ID == "" {
			approval.ID = uuid.NewString()
		}
		if approval.Action == "" {
			approval.Action = models.ApprovalPending
		}
		if approval.CreatedAt.IsZero() {
			approval.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, query,
			approval.ID, approval.RequestID, approval.Level, approval.ApproverID,
			approval.ApproverEmail, approval.Action, approval.CreatedAt); err != nil {
			return fmt.Errorf("insert approval row: %w", err)
		}
	}
	return nil
}

func insertFieldChanges(ctx context.Context, tx *sqlx.Tx, changes []models.FieldChangeRecord) error {
	const query = `INSERT INTO field_changes
	(id, request_id, field_name, previous_value, new_value, changed_by_id, approval_level, changed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i := range changes {
		change := &changes[i]
		if change.ID == "" {
			change.ID = uuid.NewString()
		}
		if change.ChangedAt.IsZero() {
			change.ChangedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query,
			change.ID, change.RequestID, change.FieldName, change.PreviousValue,
			change.NewValue, change.ChangedByID, change.ApprovalLevel, change.ChangedAt); err != nil {
			return fmt.Errorf("insert field change: %w", err)
		}
	}
	return nil
}

func requireRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
