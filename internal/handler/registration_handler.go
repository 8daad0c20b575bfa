package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erpgate/erpgate-api/internal/dto"
	"github.com/erpgate/erpgate-api/internal/models"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
	"github.com/erpgate/erpgate-api/pkg/export"
	"github.com/erpgate/erpgate-api/pkg/response"
)

type registrationService interface {
	Create(ctx context.Context, requester *models.User, req *dto.CreateRegistrationRequest) (*models.RegistrationRequest, error)
	Get(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error)
	List(ctx context.Context, actor *models.User, query dto.RegistrationQuery) ([]models.RegistrationRequest, error)
	UpdateDraft(ctx context.Context, actor *models.User, id string, req *dto.UpdateRegistrationRequest) (*models.RegistrationRequest, error)
	DeleteDraft(ctx context.Context, actor *models.User, id string) error
	GetPendingApprovalsFor(ctx context.Context, userID string) ([]dto.PendingApprovalItem, error)
	GetApprovalHistory(ctx context.Context, actor *models.User, id string) ([]models.Approval, error)
	GetFieldChangeHistory(ctx context.Context, actor *models.User, id string) ([]models.FieldChangeRecord, error)
	GetEditableFields(ctx context.Context, actor *models.User, id string) (*dto.EditableFieldsInfo, error)
	BuildReport(ctx context.Context, actor *models.User, query dto.RegistrationQuery) (export.Dataset, error)
}

type workflowEngine interface {
	Submit(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error)
	Approve(ctx context.Context, actor *models.User, id string, req *dto.ApproveRegistrationRequest) (*models.RegistrationRequest, error)
	Reject(ctx context.Context, actor *models.User, id string, req *dto.RejectRegistrationRequest) (*models.RegistrationRequest, error)
	RetrySync(ctx context.Context, actor *models.User, id string) (*models.RegistrationRequest, error)
}

// RegistrationHandler exposes REST endpoints for registration requests and
// their approval workflow.
type RegistrationHandler struct {
	service registrationService
	engine  workflowEngine
	csv     *export.CSVExporter
	pdf     *export.PDFExporter
}

// NewRegistrationHandler constructs the handler.
func NewRegistrationHandler(service registrationService, engine workflowEngine) *RegistrationHandler {
	return &RegistrationHandler{
		service: service,
		engine:  engine,
		csv:     export.NewCSVExporter(),
		pdf:     export.NewPDFExporter(),
	}
}

// Create godoc
// @Summary Open a new draft registration
// @Tags Registrations
// @Accept json
// @Produce json
// @Param payload body dto.CreateRegistrationRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Router /registrations [post]
func (h *RegistrationHandler) Create(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid registration payload"))
		return
	}
	reg, err := h.service.Create(c.Request.Context(), actor, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, reg, nil)
}

// List godoc
// @Summary List registrations
// @Tags Registrations
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param templateId query string false "Template ID"
// @Param operation query string false "Operation type"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /registrations [get]
func (h *RegistrationHandler) List(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	regs, err := h.service.List(c.Request.Context(), actor, parseRegistrationQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, regs, nil)
}

// Get godoc
// @Summary Get registration detail
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id} [get]
func (h *RegistrationHandler) Get(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	reg, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Update godoc
// @Summary Replace the form data of a draft
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body dto.UpdateRegistrationRequest true "Form data"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id} [put]
func (h *RegistrationHandler) Update(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.UpdateRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid form data payload"))
		return
	}
	reg, err := h.service.UpdateDraft(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Delete godoc
// @Summary Delete a draft registration
// @Tags Registrations
// @Param id path string true "Registration ID"
// @Success 204
// @Router /registrations/{id} [delete]
func (h *RegistrationHandler) Delete(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.DeleteDraft(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Submit godoc
// @Summary Submit a draft into the approval workflow
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/submit [post]
func (h *RegistrationHandler) Submit(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	reg, err := h.engine.Submit(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Approve godoc
// @Summary Approve the registration at its current level
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body dto.ApproveRegistrationRequest false "Optional field edits and comments"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/approve [post]
func (h *RegistrationHandler) Approve(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ApproveRegistrationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid approval payload"))
			return
		}
	}
	reg, err := h.engine.Approve(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Reject godoc
// @Summary Reject the registration
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body dto.RejectRegistrationRequest true "Rejection reason"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/reject [post]
func (h *RegistrationHandler) Reject(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.RejectRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Reason) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "rejection reason required"))
		return
	}
	reg, err := h.engine.Reject(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// RetrySync godoc
// @Summary Retry a failed ERP sync
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/retry-sync [post]
func (h *RegistrationHandler) RetrySync(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	reg, err := h.engine.RetrySync(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Pending godoc
// @Summary List registrations awaiting the caller's approval
// @Tags Registrations
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /registrations/pending [get]
func (h *RegistrationHandler) Pending(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	items, err := h.service.GetPendingApprovalsFor(c.Request.Context(), actor.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Approvals godoc
// @Summary Approval history of a registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/approvals [get]
func (h *RegistrationHandler) Approvals(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	approvals, err := h.service.GetApprovalHistory(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, approvals, nil)
}

// Changes godoc
// @Summary Field change history of a registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/changes [get]
func (h *RegistrationHandler) Changes(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	changes, err := h.service.GetFieldChangeHistory(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, changes, nil)
}

// EditableFields godoc
// @Summary Fields editable at the registration's current level
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/editable-fields [get]
func (h *RegistrationHandler) EditableFields(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	info, err := h.service.GetEditableFields(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Report godoc
// @Summary Export registrations as PDF or CSV
// @Tags Registrations
// @Produce application/octet-stream
// @Param format query string true "pdf or csv"
// @Param status query string false "Comma separated statuses"
// @Success 200 {file} binary
// @Router /registrations/report [get]
func (h *RegistrationHandler) Report(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	if format != "csv" && format != "pdf" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}
	data, err := h.service.BuildReport(c.Request.Context(), actor, parseRegistrationQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	filename := fmt.Sprintf("registrations-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	var payload []byte
	var contentType string
	switch format {
	case "pdf":
		payload, err = h.pdf.Render(data, "Registration Requests")
		contentType = "application/pdf"
	default:
		payload, err = h.csv.Render(data)
		contentType = "text/csv"
	}
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render report"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	c.Data(http.StatusOK, contentType, payload)
}

func parseRegistrationQuery(c *gin.Context) dto.RegistrationQuery {
	query := dto.RegistrationQuery{
		TemplateID: strings.TrimSpace(c.Query("templateId")),
	}
	if rawOperation := c.Query("operation"); rawOperation != "" {
		query.Operation = models.OperationType(strings.ToUpper(strings.TrimSpace(rawOperation)))
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.RegistrationStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.RegistrationStatus(part))
		}
		query.Status = statuses
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		query.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil {
		query.Offset = offset
	}
	return query
}
