package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/middleware"
	"github.com/erpgate/erpgate-api/internal/models"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
	"github.com/erpgate/erpgate-api/pkg/export"
)

type stubRegService struct {
	reg     *models.RegistrationRequest
	pending []dto.PendingApprovalItem
	err     error
}

func (s *stubRegService) Create(_ context.Context, _ *models.User, _ *dto.CreateRegistrationRequest) (*models.RegistrationRequest, error) {
	return s.reg, s.err
}

func (s *stubRegService) Get(_ context.Context, _ *models.User, _ string) (*models.RegistrationRequest, error) {
	return s.reg, s.err
}

func (s *stubRegService) List(_ context.Context, _ *models.User, _ dto.RegistrationQuery) ([]models.RegistrationRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []models.RegistrationRequest{*s.reg}, nil
}

func (s *stubRegService) UpdateDraft(_ context.Context, _ *models.User, _ string, _ *dto.UpdateRegistrationRequest) (*models.RegistrationRequest, error) {
	return s.reg, s.err
}

func (s *stubRegService) DeleteDraft(_ context.Context, _ *models.User, _ string) error {
	return s.err
}

func (s *stubRegService) GetPendingApprovalsFor(_ context.Context, _ string) ([]dto.PendingApprovalItem, error) {
	return s.pending, s.err
}

func (s *stubRegService) GetApprovalHistory(_ context.Context, _ *models.User, _ string) ([]models.Approval, error) {
	return nil, s.err
}

func (s *stubRegService) GetFieldChangeHistory(_ context.Context, _ *models.User, _ string) ([]models.FieldChangeRecord, error) {
	return nil, s.err
}

func (s *stubRegService) GetEditableFields(_ context.Context, _ *models.User, _ string) (*dto.EditableFieldsInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &dto.EditableFieldsInfo{RequestID: "reg-1", CurrentLevel: 1, LevelName: "Manager"}, nil
}

func (s *stubRegService) BuildReport(_ context.Context, _ *models.User, _ dto.RegistrationQuery) (export.Dataset, error) {
	if s.err != nil {
		return export.Dataset{}, s.err
	}
	return export.Dataset{Headers: []string{"ID"}, Rows: []map[string]string{{"ID": "reg-1"}}}, nil
}

type stubEngine struct {
	reg      *models.RegistrationRequest
	err      error
	approved bool
	rejected bool
}

func (s *stubEngine) Submit(_ context.Context, _ *models.User, _ string) (*models.RegistrationRequest, error) {
	return s.reg, s.err
}

func (s *stubEngine) Approve(_ context.Context, _ *models.User, _ string, _ *dto.ApproveRegistrationRequest) (*models.RegistrationRequest, error) {
	s.approved = true
	return s.reg, s.err
}

func (s *stubEngine) Reject(_ context.Context, _ *models.User, _ string, _ *dto.RejectRegistrationRequest) (*models.RegistrationRequest, error) {
	s.rejected = true
	return s.reg, s.err
}

func (s *stubEngine) RetrySync(_ context.Context, _ *models.User, _ string) (*models.RegistrationRequest, error) {
	return s.reg, s.err
}

func testRegistration() *models.RegistrationRequest {
	return &models.RegistrationRequest{
		ID:              "reg-1",
		SourceTableName: "SA1",
		RequesterID:     "req-1",
		OperationType:   models.OperationNew,
		Status:          models.StatusDraft,
	}
}

func newTestRouter(service *stubRegService, engine *stubEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewRegistrationHandler(service, engine)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{
			UserID: "req-1",
			Email:  "requester@example.com",
			Role:   models.RoleRequester,
		})
	})
	r.POST("/registrations", h.Create)
	r.GET("/registrations", h.List)
	r.GET("/registrations/pending", h.Pending)
	r.GET("/registrations/report", h.Report)
	r.GET("/registrations/:id", h.Get)
	r.POST("/registrations/:id/submit", h.Submit)
	r.POST("/registrations/:id/approve", h.Approve)
	r.POST("/registrations/:id/reject", h.Reject)
	r.GET("/registrations/:id/editable-fields", h.EditableFields)
	return r
}

func TestCreateRegistrationEndpoint(t *testing.T) {
	router := newTestRouter(&stubRegService{reg: testRegistration()}, &stubEngine{})

	payload := `{"templateId":"tpl-1","operationType":"NEW","formData":{"name":"ACME"}}`
	req := httptest.NewRequest(http.MethodPost, "/registrations", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	var envelope struct {
		Data models.RegistrationRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "reg-1", envelope.Data.ID)
}

func TestCreateRegistrationBadPayload(t *testing.T) {
	router := newTestRouter(&stubRegService{reg: testRegistration()}, &stubEngine{})

	req := httptest.NewRequest(http.MethodPost, "/registrations", bytes.NewBufferString(`not json`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveEndpointMapsConflict(t *testing.T) {
	engine := &stubEngine{err: appErrors.Clone(appErrors.ErrInvalidState, "registration is SYNCED")}
	router := newTestRouter(&stubRegService{reg: testRegistration()}, engine)

	req := httptest.NewRequest(http.MethodPost, "/registrations/reg-1/approve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, engine.approved)
}

func TestRejectRequiresReason(t *testing.T) {
	engine := &stubEngine{reg: testRegistration()}
	router := newTestRouter(&stubRegService{reg: testRegistration()}, engine)

	req := httptest.NewRequest(http.MethodPost, "/registrations/reg-1/reject", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, engine.rejected)
}

func TestPendingEndpoint(t *testing.T) {
	service := &stubRegService{pending: []dto.PendingApprovalItem{{RequestID: "reg-1", Level: 2}}}
	router := newTestRouter(service, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/registrations/pending", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data []dto.PendingApprovalItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data, 1)
	assert.Equal(t, 2, envelope.Data[0].Level)
}

func TestReportEndpointCSV(t *testing.T) {
	router := newTestRouter(&stubRegService{reg: testRegistration()}, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/registrations/report?format=csv", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "reg-1")
}

func TestReportEndpointBadFormat(t *testing.T) {
	router := newTestRouter(&stubRegService{reg: testRegistration()}, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/registrations/report?format=xml", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEditableFieldsEndpoint(t *testing.T) {
	router := newTestRouter(&stubRegService{reg: testRegistration()}, &stubEngine{})

	req := httptest.NewRequest(http.MethodGet, "/registrations/reg-1/editable-fields", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data dto.EditableFieldsInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "Manager", envelope.Data.LevelName)
}

func TestUnauthenticatedRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRegistrationHandler(&stubRegService{reg: testRegistration()}, &stubEngine{})
	r := gin.New()
	r.GET("/registrations", h.List)

	req := httptest.NewRequest(http.MethodGet, "/registrations", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
