package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/erpgate/erpgate-api/internal/models"
	appErrors "github.com/erpgate/erpgate-api/pkg/errors"
	"github.com/erpgate/erpgate-api/pkg/response"
)

type notificationReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// NotificationHandler serves a user's approval notifications.
type NotificationHandler struct {
	service notificationReader
}

// NewNotificationHandler constructs the handler.
func NewNotificationHandler(service notificationReader) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List godoc
// @Summary List the caller's notifications
// @Tags Notifications
// @Produce json
// @Param limit query int false "Maximum entries"
// @Success 200 {object} response.Envelope
// @Router /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	actor := actorFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	notifications, err := h.service.ListForUser(c.Request.Context(), actor.ID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, notifications, nil)
}
