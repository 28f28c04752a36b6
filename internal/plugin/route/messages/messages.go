// Package messages mounts the message REST endpoints: send, history, edit,
// delete, reactions, search, unread counters, read receipts and typing.
package messages

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/security"
)

// Realtime is the slice of the websocket hub the REST layer needs: the same
// post-send delivery and read-receipt fan-out the socket path uses.
type Realtime interface {
	MessageSent(ctx context.Context, senderID string, result *registrystore.SendMessageResult)
	ReadReceipts(conversationID uuid.UUID, readerID string, messageIDs []uuid.UUID)
}

// MountRoutes mounts message routes. realtime may be nil in tests.
func MountRoutes(r *gin.Engine, store registrystore.MessageStore, realtime Realtime, auth gin.HandlerFunc) {
	msgs := r.Group("/api/messages", auth)
	msgs.POST("", func(c *gin.Context) { send(c, store, realtime) })
	msgs.GET("/unread", func(c *gin.Context) { unread(c, store) })
	msgs.GET("/search", func(c *gin.Context) { search(c, store) })
	msgs.GET("/:messageId", func(c *gin.Context) { get(c, store) })
	msgs.PUT("/:messageId", func(c *gin.Context) { edit(c, store) })
	msgs.DELETE("/:messageId", func(c *gin.Context) { remove(c, store) })
	msgs.POST("/:messageId/reactions", func(c *gin.Context) { addReaction(c, store) })
	msgs.DELETE("/:messageId/reactions/:emoji", func(c *gin.Context) { removeReaction(c, store) })

	convs := r.Group("/api/conversations", auth)
	convs.GET("/:conversationId/messages", func(c *gin.Context) { list(c, store, realtime) })
	convs.POST("/:conversationId/read", func(c *gin.Context) { markRead(c, store, realtime) })
	convs.POST("/:conversationId/typing", func(c *gin.Context) { typing(c, store) })
}

func send(c *gin.Context, store registrystore.MessageStore, realtime Realtime) {
	var req registrystore.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	senderID := security.GetUserID(c)
	result, err := store.SendMessage(c.Request.Context(), senderID, req)
	if err != nil {
		handleError(c, err)
		return
	}
	if realtime != nil {
		realtime.MessageSent(c.Request.Context(), senderID, result)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": result})
}

func list(c *gin.Context, store registrystore.MessageStore, realtime Realtime) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	var cursor *string
	if v := c.Query("cursor"); v != "" {
		cursor = &v
	}
	actorID := security.GetUserID(c)
	page, readIDs, err := store.ListMessages(c.Request.Context(), actorID, conversationID, cursor, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	// Fetching history doubles as a read: tell the room which messages the
	// actor just consumed.
	if realtime != nil {
		realtime.ReadReceipts(conversationID, actorID, readIDs)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": page})
}

func get(c *gin.Context, store registrystore.MessageStore) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "message not found"})
		return
	}
	msg, err := store.GetMessage(c.Request.Context(), security.GetUserID(c), messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

func edit(c *gin.Context, store registrystore.MessageStore) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "message not found"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	msg, err := store.EditMessage(c.Request.Context(), security.GetUserID(c), messageID, req.Content)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

func remove(c *gin.Context, store registrystore.MessageStore) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "message not found"})
		return
	}
	msg, err := store.DeleteMessage(c.Request.Context(), security.GetUserID(c), messageID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

func addReaction(c *gin.Context, store registrystore.MessageStore) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "message not found"})
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	msg, err := store.AddReaction(c.Request.Context(), security.GetUserID(c), messageID, req.Emoji)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

func removeReaction(c *gin.Context, store registrystore.MessageStore) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "message not found"})
		return
	}
	msg, err := store.RemoveReaction(c.Request.Context(), security.GetUserID(c), messageID, c.Param("emoji"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msg})
}

func search(c *gin.Context, store registrystore.MessageStore) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	query := registrystore.SearchQuery{
		Query:  c.Query("q"),
		Period: c.Query("period"),
		Limit:  limit,
	}
	if v := c.Query("sender"); v != "" {
		query.SenderID = &v
	}
	if v := c.Query("hasAttachments"); v != "" {
		has := strings.EqualFold(v, "true")
		query.HasAttachments = &has
	}
	results, err := store.SearchMessages(c.Request.Context(), security.GetUserID(c), query)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": results})
}

func unread(c *gin.Context, store registrystore.MessageStore) {
	summary, err := store.UnreadCount(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
}

func markRead(c *gin.Context, store registrystore.MessageStore, realtime Realtime) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	var req struct {
		MessageIDs []uuid.UUID `json:"messageIds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
			return
		}
	}
	actorID := security.GetUserID(c)
	readIDs, err := store.MarkRead(c.Request.Context(), actorID, conversationID, req.MessageIDs)
	if err != nil {
		handleError(c, err)
		return
	}
	if realtime != nil {
		realtime.ReadReceipts(conversationID, actorID, readIDs)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"read": len(readIDs)}})
}

func typing(c *gin.Context, store registrystore.MessageStore) {
	conversationID, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "conversation not found"})
		return
	}
	if err := store.SetTyping(c.Request.Context(), security.GetUserID(c), conversationID, time.Now().UTC()); err != nil {
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
