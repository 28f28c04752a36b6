// Package conversations mounts the conversation REST endpoints.
package conversations

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/model"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

// MountRoutes mounts conversation routes.
func MountRoutes(r *gin.Engine, store registrystore.MessageStore, auth gin.HandlerFunc) {
	g := r.Group("/api/conversations", auth)

	g.POST("", func(c *gin.Context) { create(c, store) })
	g.GET("", func(c *gin.Context) { list(c, store) })
	g.GET("/:conversationId", func(c *gin.Context) { get(c, store) })
	g.PUT("/:conversationId/archive", func(c *gin.Context) { archive(c, store) })
	g.POST("/:conversationId/participants", func(c *gin.Context) { addParticipant(c, store) })
	g.DELETE("/:conversationId/participants/:userId", func(c *gin.Context) { removeParticipant(c, store) })
}

func create(c *gin.Context, store registrystore.MessageStore) {
	var req struct {
		Type         string   `json:"type"`
		Title        string   `json:"title"`
		Participants []string `json:"participants" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	convType := model.ConversationType(strings.TrimSpace(req.Type))
	if convType == "" {
		convType = model.ConversationDirect
	}
	summary, err := store.CreateConversation(c.Request.Context(), security.GetUserID(c), convType, req.Title, req.Participants)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": summary})
}

func list(c *gin.Context, store registrystore.MessageStore) {
	includeArchived := strings.EqualFold(c.Query("includeArchived"), "true")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	var cursor *string
	if v := c.Query("cursor"); v != "" {
		cursor = &v
	}
	summaries, next, err := store.ListConversations(c.Request.Context(), security.GetUserID(c), includeArchived, cursor, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summaries, "nextCursor": next})
}

func get(c *gin.Context, store registrystore.MessageStore) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	summary, err := store.GetConversation(c.Request.Context(), security.GetUserID(c), conversationID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

func archive(c *gin.Context, store registrystore.MessageStore) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	var req struct {
		Archived *bool `json:"archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}
	if err := store.SetConversationArchived(c.Request.Context(), security.GetUserID(c), conversationID, archived); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"archived": archived}})
}

func addParticipant(c *gin.Context, store registrystore.MessageStore) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	var req struct {
		UserID string `json:"userId" binding:"required"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	role := model.ParticipantRole(req.Role)
	if role == "" {
		role = model.RoleMember
	}
	if err := store.AddParticipant(c.Request.Context(), security.GetUserID(c), conversationID, req.UserID, role); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func removeParticipant(c *gin.Context, store registrystore.MessageStore) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	if err := store.RemoveParticipant(c.Request.Context(), security.GetUserID(c), conversationID, c.Param("userId")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
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
