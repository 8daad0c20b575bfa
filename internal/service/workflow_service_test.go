package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/models"
	"github.com/erpgate/erpgate-api/internal/repository"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
)

// fakeEngineStore mirrors the repository's transactional guards in memory.
// The mutex stands in for the registration row lock: every method is one
// atomic unit, as ActOnLevel and AdvanceLevel are one transaction each.
type fakeEngineStore struct {
	mu        sync.Mutex
	reg       *models.RegistrationRequest
	approvals []models.Approval
	advances  []repository.AdvanceParams
}

func (f *fakeEngineStore) GetByID(_ context.Context, id string) (*models.RegistrationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reg == nil || f.reg.ID != id {
		return nil, sql.ErrNoRows
	}
	clone := *f.reg
	return &clone, nil
}

func (f *fakeEngineStore) Submit(_ context.Context, params repository.SubmitParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reg.Status != models.StatusDraft {
		return sql.ErrNoRows
	}
	f.reg.Status = models.StatusPendingApproval
	f.reg.CurrentLevel = params.FirstLevel
	f.reg.WorkflowSnapshot = params.Snapshot
	f.reg.SubmittedAt = &params.SubmittedAt
	f.approvals = append(f.approvals, params.Approvals...)
	return nil
}

func (f *fakeEngineStore) ActOnLevel(_ context.Context, params repository.ActParams) (*repository.LevelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.reg.Status.IsActionable() {
		return nil, sql.ErrNoRows
	}
	acted := false
	for i := range f.approvals {
		row := &f.approvals[i]
		if row.RequestID == params.RequestID && row.Level == params.Level &&
			row.ApproverID == params.ApproverID && row.Action == models.ApprovalPending {
			row.Action = params.Action
			row.Comments = params.Comments
			acted = true
			break
		}
	}
	if !acted {
		return &repository.LevelOutcome{Acted: false}, nil
	}
	var approverIDs []string
	for _, row := range f.approvals {
		if row.RequestID == params.RequestID && row.Level == params.Level {
			approverIDs = append(approverIDs, row.ApproverID)
		}
	}
	if params.Action == models.ApprovalRejected {
		f.reg.Status = models.StatusRejected
		return &repository.LevelOutcome{Acted: true, ApproverIDs: approverIDs}, nil
	}
	if len(params.Changes) > 0 {
		form := map[string]json.RawMessage{}
		if len(f.reg.FormData) > 0 {
			if err := json.Unmarshal(f.reg.FormData, &form); err != nil {
				return nil, err
			}
		}
		for _, change := range params.Changes {
			form[change.FieldName] = json.RawMessage(change.NewValue)
		}
		merged, err := json.Marshal(form)
		if err != nil {
			return nil, err
		}
		f.reg.FormData = merged
	}
	remaining := 0
	for _, row := range f.approvals {
		if row.RequestID == params.RequestID && row.Level == params.Level && row.Action == models.ApprovalPending {
			remaining++
		}
	}
	if remaining > 0 {
		f.reg.Status = models.StatusInApproval
	}
	formData := append([]byte(nil), f.reg.FormData...)
	return &repository.LevelOutcome{
		Acted:            true,
		RemainingPending: remaining,
		FormData:         formData,
		ApproverIDs:      approverIDs,
	}, nil
}

func (f *fakeEngineStore) AdvanceLevel(_ context.Context, params repository.AdvanceParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reg.CurrentLevel != params.FromLevel || !f.reg.Status.IsActionable() {
		return sql.ErrNoRows
	}
	f.reg.CurrentLevel = params.ToLevel
	f.reg.Status = models.StatusInApproval
	f.approvals = append(f.approvals, params.Approvals...)
	f.advances = append(f.advances, params)
	return nil
}

func (f *fakeEngineStore) MarkApproved(_ context.Context, id string, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reg.CurrentLevel != level || !f.reg.Status.IsActionable() {
		return sql.ErrNoRows
	}
	f.reg.Status = models.StatusApproved
	return nil
}

func (f *fakeEngineStore) ResetForRetry(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reg.Status != models.StatusSyncFailed {
		return sql.ErrNoRows
	}
	f.reg.Status = models.StatusApproved
	f.reg.SyncError = nil
	f.reg.SyncLog = nil
	return nil
}

type fakeWorkflowStore struct {
	def *models.WorkflowDefinition
}

func (f *fakeWorkflowStore) GetActiveByTemplate(context.Context, string) (*models.WorkflowDefinition, error) {
	if f.def == nil {
		return nil, sql.ErrNoRows
	}
	return f.def, nil
}

type fakeResolver struct {
	byLevel map[int][]models.ApproverRef
}

func (f *fakeResolver) Resolve(_ context.Context, level *models.SnapshotLevel) ([]models.ApproverRef, error) {
	return f.byLevel[level.LevelOrder], nil
}

type fakeSync struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSync) OnFullyApproved(_ context.Context, reg *models.RegistrationRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reg.ID)
}

type fakeNotifier struct {
	mu     sync.Mutex
	levels []int
}

func (f *fakeNotifier) NotifyLevelEntered(_ string, level int, _ string, _ []models.ApproverRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
}

type fakeCache struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeCache) Get(context.Context, string, interface{}) error { return appErrors.ErrCacheMiss }
func (f *fakeCache) Set(context.Context, string, interface{}, time.Duration) error {
	return nil
}
func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, keys...)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, log.Action)
	return nil
}

type engineFixture struct {
	store    *fakeEngineStore
	wfs      *fakeWorkflowStore
	resolver *fakeResolver
	sync     *fakeSync
	notifier *fakeNotifier
	cache    *fakeCache
	audit    *fakeAudit
	svc      *WorkflowService
}

func newEngineFixture(t *testing.T, reg *models.RegistrationRequest, def *models.WorkflowDefinition, approvers map[int][]models.ApproverRef) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    &fakeEngineStore{reg: reg},
		wfs:      &fakeWorkflowStore{def: def},
		resolver: &fakeResolver{byLevel: approvers},
		sync:     &fakeSync{},
		notifier: &fakeNotifier{},
		cache:    &fakeCache{},
		audit:    &fakeAudit{},
	}
	f.svc = NewWorkflowService(f.store, f.wfs, f.resolver, NewFieldChangeTracker(),
		f.sync, f.notifier, f.cache, f.audit, NewMetricsService(), nil)
	return f
}

func draftRegistration() *models.RegistrationRequest {
	return &models.RegistrationRequest{
		ID:              "reg-1",
		TemplateID:      "tpl-1",
		SourceTableName: "SA1",
		RequesterID:     "req-1",
		RequesterEmail:  "requester@example.com",
		OperationType:   models.OperationNew,
		FormData:        []byte(`{"name":"ACME","credit_limit":1000}`),
		Status:          models.StatusDraft,
	}
}

func twoLevelWorkflow() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:         "wf-1",
		TemplateID: "tpl-1",
		Name:       "Supplier onboarding",
		Active:     true,
		Levels: []models.WorkflowLevel{
			{LevelOrder: 1, LevelName: "Manager", ApproverIDs: []string{"u1", "u2"}, EditableFields: []string{"credit_limit"}},
			{LevelOrder: 2, LevelName: "Finance", ApproverIDs: []string{"u3"}},
		},
	}
}

func submitted(t *testing.T, f *engineFixture) {
	t.Helper()
	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	_, err := f.svc.Submit(context.Background(), requester, "reg-1")
	require.NoError(t, err)
}

func approver(id string) *models.User {
	return &models.User{ID: id, Role: models.RoleApprover}
}

func TestSubmitFreezesWorkflow(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	reg, err := f.svc.Submit(context.Background(), requester, "reg-1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusPendingApproval, reg.Status)
	assert.Equal(t, 1, reg.CurrentLevel)
	assert.Len(t, f.store.approvals, 2)
	assert.Equal(t, []int{1}, f.notifier.levels)

	snapshot, err := reg.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "wf-1", snapshot.WorkflowID)
	assert.Len(t, snapshot.Levels, 2)
}

func TestSubmitRequiresActiveWorkflow(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), nil, nil)

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	_, err := f.svc.Submit(context.Background(), requester, "reg-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestSubmitRejectsEmptyFirstLevel(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		2: {{ID: "u3"}},
	})

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	_, err := f.svc.Submit(context.Background(), requester, "reg-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestSubmitByStranger(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
	})

	_, err := f.svc.Submit(context.Background(), &models.User{ID: "stranger", Role: models.RoleRequester}, "reg-1")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestApproveHoldsUntilLevelComplete(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	reg, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusInApproval, reg.Status)
	assert.Equal(t, 1, reg.CurrentLevel)
	assert.Empty(t, f.store.advances)
	assert.Empty(t, f.sync.calls)
}

func TestApproveAdvancesWhenLevelCompletes(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	_, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)
	reg, err := f.svc.Approve(context.Background(), approver("u2"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusInApproval, reg.Status)
	assert.Equal(t, 2, reg.CurrentLevel)
	assert.Equal(t, []int{1, 2}, f.notifier.levels)
	assert.Empty(t, f.sync.calls)
}

func TestFinalApprovalTriggersSync(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := f.svc.Approve(context.Background(), approver(id), "reg-1", &dto.ApproveRegistrationRequest{})
		require.NoError(t, err)
	}

	assert.Equal(t, models.StatusApproved, f.store.reg.Status)
	assert.Equal(t, []string{"reg-1"}, f.sync.calls)
}

func TestEmptyLevelIsSkipped(t *testing.T) {
	def := twoLevelWorkflow()
	def.Levels = append(def.Levels, models.WorkflowLevel{LevelOrder: 3, LevelName: "Board", ApproverIDs: []string{"u9"}})
	f := newEngineFixture(t, draftRegistration(), def, map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
		// level 2 resolves nobody
		3: {{ID: "u9"}},
	})
	submitted(t, f)

	reg, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)

	assert.Equal(t, 3, reg.CurrentLevel)
	assert.Contains(t, f.audit.actions, models.AuditActionLevelSkipped)
	// level 2 advanced with no approval rows, level 3 with one
	require.Len(t, f.store.advances, 2)
	assert.Empty(t, f.store.advances[0].Approvals)
	assert.Len(t, f.store.advances[1].Approvals, 1)
	assert.Equal(t, []int{1, 3}, f.notifier.levels)
}

func TestTrailingEmptyLevelCompletesWorkflow(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
		// level 2 resolves nobody
	})
	submitted(t, f)

	_, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusApproved, f.store.reg.Status)
	assert.Equal(t, []string{"reg-1"}, f.sync.calls)
	assert.Contains(t, f.audit.actions, models.AuditActionLevelSkipped)
}

func TestRejectIsVeto(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	reg, err := f.svc.Reject(context.Background(), approver("u2"), "reg-1", &dto.RejectRegistrationRequest{Reason: "bad data"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusRejected, reg.Status)
	assert.True(t, reg.Status.IsTerminal())
	assert.Empty(t, f.sync.calls)

	// nobody can act on a rejected registration
	_, err = f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidState.Code, appErr.Code)
}

func TestApproveByNonApprover(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	_, err := f.svc.Approve(context.Background(), approver("u3"), "reg-1", &dto.ApproveRegistrationRequest{})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestApproveWithEditableFieldChange(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	_, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{
		Changes: map[string]json.RawMessage{"credit_limit": json.RawMessage(`2000`)},
	})
	require.NoError(t, err)

	var form map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.store.reg.FormData, &form))
	assert.JSONEq(t, `2000`, string(form["credit_limit"]))
}

func TestApproveRejectsNonEditableField(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	_, err := f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{
		Changes: map[string]json.RawMessage{"name": json.RawMessage(`"EVIL"`)},
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	// the decision itself was not recorded
	for _, row := range f.store.approvals {
		assert.Equal(t, models.ApprovalPending, row.Action)
	}
}

func TestRetrySyncFromFailedState(t *testing.T) {
	reg := draftRegistration()
	reg.Status = models.StatusSyncFailed
	syncErr := "timeout"
	reg.SyncError = &syncErr
	f := newEngineFixture(t, reg, twoLevelWorkflow(), nil)

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	_, err := f.svc.RetrySync(context.Background(), requester, "reg-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"reg-1"}, f.sync.calls)
	assert.Contains(t, f.audit.actions, models.AuditActionSyncRetry)
}

func TestRetrySyncWrongState(t *testing.T) {
	reg := draftRegistration()
	reg.Status = models.StatusSynced
	f := newEngineFixture(t, reg, twoLevelWorkflow(), nil)

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	_, err := f.svc.RetrySync(context.Background(), requester, "reg-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrInvalidState.Code, appErr.Code)
}

func TestApproveUnknownRegistration(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), nil)

	_, err := f.svc.Approve(context.Background(), approver("u1"), "missing", &dto.ApproveRegistrationRequest{})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestSubmitEntersFirstConfiguredLevelOrder(t *testing.T) {
	def := &models.WorkflowDefinition{
		ID:         "wf-sparse",
		TemplateID: "tpl-1",
		Name:       "Sparse level orders",
		Active:     true,
		Levels: []models.WorkflowLevel{
			{LevelOrder: 10, LevelName: "Manager", ApproverIDs: []string{"u1"}},
			{LevelOrder: 20, LevelName: "Finance", ApproverIDs: []string{"u3"}},
		},
	}
	f := newEngineFixture(t, draftRegistration(), def, map[int][]models.ApproverRef{
		10: {{ID: "u1"}},
		20: {{ID: "u3"}},
	})

	requester := &models.User{ID: "req-1", Role: models.RoleRequester}
	reg, err := f.svc.Submit(context.Background(), requester, "reg-1")
	require.NoError(t, err)

	assert.Equal(t, 10, reg.CurrentLevel)
	require.Len(t, f.store.approvals, 1)
	assert.Equal(t, 10, f.store.approvals[0].Level)

	reg, err = f.svc.Approve(context.Background(), approver("u1"), "reg-1", &dto.ApproveRegistrationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 20, reg.CurrentLevel)
}

func TestConcurrentFinalApprovalsAdvanceOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		def := &models.WorkflowDefinition{
			ID:         "wf-parallel",
			TemplateID: "tpl-1",
			Name:       "Parallel final level",
			Active:     true,
			Levels: []models.WorkflowLevel{
				{LevelOrder: 1, LevelName: "Manager", ApproverIDs: []string{"u1", "u2"},
					EditableFields: []string{"credit_limit", "name"}},
			},
		}
		f := newEngineFixture(t, draftRegistration(), def, map[int][]models.ApproverRef{
			1: {{ID: "u1"}, {ID: "u2"}},
		})
		submitted(t, f)

		edits := []struct {
			actor string
			field string
			value string
		}{
			{"u1", "credit_limit", `2000`},
			{"u2", "name", `"ACME Ltd"`},
		}
		errs := make(chan error, len(edits))
		var wg sync.WaitGroup
		for _, edit := range edits {
			wg.Add(1)
			go func(actorID, field, value string) {
				defer wg.Done()
				_, err := f.svc.Approve(context.Background(), approver(actorID), "reg-1",
					&dto.ApproveRegistrationRequest{
						Changes: map[string]json.RawMessage{field: json.RawMessage(value)},
					})
				errs <- err
			}(edit.actor, edit.field, edit.value)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, models.StatusApproved, f.store.reg.Status)
		require.Equal(t, []string{"reg-1"}, f.sync.calls)

		// both approvers' edits survive, whatever the interleaving
		var form map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(f.store.reg.FormData, &form))
		assert.JSONEq(t, `2000`, string(form["credit_limit"]))
		assert.JSONEq(t, `"ACME Ltd"`, string(form["name"]))
	}
}

func TestRejectInvalidatesApproversHoldingRows(t *testing.T) {
	f := newEngineFixture(t, draftRegistration(), twoLevelWorkflow(), map[int][]models.ApproverRef{
		1: {{ID: "u1"}, {ID: "u2"}},
		2: {{ID: "u3"}},
	})
	submitted(t, f)

	// u2 left the approver group after submit; the pending row still stands.
	f.resolver.byLevel[1] = []models.ApproverRef{{ID: "u1"}}

	_, err := f.svc.Reject(context.Background(), approver("u1"), "reg-1",
		&dto.RejectRegistrationRequest{Reason: "duplicate vendor"})
	require.NoError(t, err)

	assert.Contains(t, f.cache.deleted, repository.PendingApprovalsKey("u2"))
}

func TestStatusTransitionTable(t *testing.T) {
	assert.True(t, models.StatusDraft.CanTransitionTo(models.StatusPendingApproval))
	assert.True(t, models.StatusSyncFailed.CanTransitionTo(models.StatusApproved))
	assert.False(t, models.StatusSynced.CanTransitionTo(models.StatusApproved))
	assert.False(t, models.StatusRejected.CanTransitionTo(models.StatusInApproval))
	assert.True(t, models.StatusRejected.IsTerminal())
	assert.True(t, models.StatusSynced.IsTerminal())
	assert.False(t, models.StatusSyncFailed.IsTerminal())
}
