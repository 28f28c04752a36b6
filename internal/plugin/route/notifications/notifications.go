// Package notifications mounts the notification REST endpoints and the
// per-user preference endpoints.
package notifications

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	"github.com/kelmah/messaging-service/internal/notify"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

// MountRoutes mounts notification routes. dispatcher may be nil in tests;
// the system-notification endpoint then responds 503.
func MountRoutes(r *gin.Engine, store registrystore.MessageStore, dispatcher *notify.Dispatcher, auth gin.HandlerFunc) {
	g := r.Group("/api/notifications", auth)
	g.GET("", func(c *gin.Context) { list(c, store) })
	g.PUT("/:notificationId/read", func(c *gin.Context) { markRead(c, store) })
	g.PUT("/read-all", func(c *gin.Context) { markAllRead(c, store) })
	g.DELETE("/:notificationId", func(c *gin.Context) { remove(c, store) })
	g.DELETE("", func(c *gin.Context) { removeAll(c, store) })
	g.GET("/preferences", func(c *gin.Context) { getPreferences(c, store) })
	g.PUT("/preferences", func(c *gin.Context) { updatePreferences(c, store, dispatcher) })
	g.POST("/system", security.RequireAdminRole(), func(c *gin.Context) { system(c, dispatcher) })
}

func list(c *gin.Context, store registrystore.MessageStore) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	query := registrystore.NotificationQuery{
		UnreadOnly: strings.EqualFold(c.Query("unreadOnly"), "true"),
		Limit:      limit,
	}
	if v := c.Query("cursor"); v != "" {
		query.BeforeCursor = &v
	}
	for _, t := range c.QueryArray("type") {
		query.Types = append(query.Types, model.NotificationType(t))
	}
	items, next, err := store.ListNotifications(c.Request.Context(), security.GetUserID(c), query)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": items, "nextCursor": next})
}

func markRead(c *gin.Context, store registrystore.MessageStore) {
	notificationID, err := uuid.Parse(c.Param("notificationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "notification not found"})
		return
	}
	if err := store.MarkNotificationRead(c.Request.Context(), security.GetUserID(c), notificationID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func markAllRead(c *gin.Context, store registrystore.MessageStore) {
	count, err := store.MarkAllNotificationsRead(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"updated": count}})
}

func remove(c *gin.Context, store registrystore.MessageStore) {
	notificationID, err := uuid.Parse(c.Param("notificationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "notification not found"})
		return
	}
	if err := store.DeleteNotification(c.Request.Context(), security.GetUserID(c), notificationID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func removeAll(c *gin.Context, store registrystore.MessageStore) {
	onlyRead := strings.EqualFold(c.DefaultQuery("onlyRead", "true"), "true")
	count, err := store.DeleteNotifications(c.Request.Context(), security.GetUserID(c), onlyRead)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"deleted": count}})
}

func getPreferences(c *gin.Context, store registrystore.MessageStore) {
	pref, err := store.GetPreference(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": pref})
}

func updatePreferences(c *gin.Context, store registrystore.MessageStore, dispatcher *notify.Dispatcher) {
	var update registrystore.PreferenceUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	userID := security.GetUserID(c)
	pref, err := store.UpdatePreference(c.Request.Context(), userID, update)
	if err != nil {
		handleError(c, err)
		return
	}
	if dispatcher != nil {
		dispatcher.InvalidatePreference(userID)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": pref})
}

// system lets operators push an announcement at a user. The dispatcher
// rejects types outside the closed enum before anything is stored.
func system(c *gin.Context, dispatcher *notify.Dispatcher) {
	if dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "notification dispatch is not available"})
		return
	}
	var req struct {
		RecipientID    string                 `json:"recipientId" binding:"required"`
		RecipientEmail string                 `json:"recipientEmail"`
		Type           string                 `json:"type" binding:"required"`
		Title          string                 `json:"title" binding:"required"`
		Content        string                 `json:"content" binding:"required"`
		ActionURL      string                 `json:"actionUrl"`
		Priority       string                 `json:"priority"`
		RelatedEntity  *model.RelatedEntity   `json:"relatedEntity"`
		Metadata       map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if req.RelatedEntity != nil && !model.ValidEntityKind(req.RelatedEntity.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid related entity kind"})
		return
	}
	notification, err := dispatcher.DispatchSystem(c.Request.Context(), req.RecipientID, notify.Event{
		Type:           model.NotificationType(req.Type),
		Title:          req.Title,
		Content:        req.Content,
		ActionURL:      req.ActionURL,
		Priority:       model.Priority(req.Priority),
		RelatedEntity:  req.RelatedEntity,
		Metadata:       req.Metadata,
		RecipientEmail: req.RecipientEmail,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if notification == nil {
		// Suppressed by the recipient's preferences; not an error.
		c.JSON(http.StatusOK, gin.H{"success": true, "data": nil, "suppressed": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": notification})
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var dependency *registrystore.DependencyError

	switch {
	case err == nil:
		return
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error()})
	case errors.As(err, &dependency):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal server error"})
	}
}
