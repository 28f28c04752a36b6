// Package attachments mounts the attachment REST endpoints. Uploads land in
// the attachment store with a pending scan state; downloads are withheld
// until a scan verdict says the bytes are clean.
package attachments

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kelmah/messaging-service/internal/config"
	"github.com/kelmah/messaging-service/internal/model"
	registryattach "github.com/kelmah/messaging-service/internal/registry/attach"
	registryscan "github.com/kelmah/messaging-service/internal/registry/scan"
	registrystore "github.com/kelmah/messaging-service/internal/registry/store"
	"github.com/kelmah/messaging-service/internal/scan"
	"github.com/kelmah/messaging-service/internal/security"
)

// MountRoutes mounts attachment routes.
func MountRoutes(r *gin.Engine, store registrystore.MessageStore, attachStore registryattach.AttachmentStore, scanner registryscan.Scanner, cfg *config.Config, auth gin.HandlerFunc) {
	if attachStore == nil {
		return
	}
	g := r.Group("/api/attachments", auth)
	g.POST("", func(c *gin.Context) { upload(c, attachStore, cfg) })
	g.GET("/:attachmentId", func(c *gin.Context) { download(c, store, attachStore, cfg) })
	g.GET("/:attachmentId/download-url", func(c *gin.Context) { downloadURL(c, store, attachStore, cfg) })
	g.POST("/:attachmentId/rescan", func(c *gin.Context) { rescan(c, store, attachStore, scanner) })
}

// upload stores the raw bytes and returns a descriptor the client echoes back
// in a later send-message call. No attachment row exists until the message
// does.
func upload(c *gin.Context, attachStore registryattach.AttachmentStore, cfg *config.Config) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "file is required"})
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	result, err := attachStore.Store(c.Request.Context(), file, cfg.AttachmentMaxSize, contentType)
	if err != nil {
		if strings.Contains(err.Error(), "maximum size") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": err.Error()})
		} else {
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{
		"storageKey":  result.StorageKey,
		"filename":    header.Filename,
		"contentType": contentType,
		"size":        result.Size,
		"sha256":      result.SHA256,
		"scanStatus":  model.ScanPending,
	}})
}

func download(c *gin.Context, store registrystore.MessageStore, attachStore registryattach.AttachmentStore, cfg *config.Config) {
	attachment, ok := loadServable(c, store)
	if !ok {
		return
	}
	if attachment.StorageKey == nil || *attachment.StorageKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "attachment content not available"})
		return
	}

	reader, err := attachStore.Retrieve(c.Request.Context(), *attachment.StorageKey)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "failed to retrieve attachment"})
		return
	}
	defer reader.Close()

	c.Header("Content-Type", attachment.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", attachment.Filename))
	if attachment.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(attachment.Size, 10))
	}
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, reader)
}

func downloadURL(c *gin.Context, store registrystore.MessageStore, attachStore registryattach.AttachmentStore, cfg *config.Config) {
	attachment, ok := loadServable(c, store)
	if !ok {
		return
	}
	if attachment.StorageKey == nil || *attachment.StorageKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "attachment content not available"})
		return
	}
	signed, err := attachStore.GetSignedURL(c.Request.Context(), *attachment.StorageKey, cfg.AttachmentDownloadURLExpiresIn)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"url":       signed.String(),
		"expiresIn": int(cfg.AttachmentDownloadURLExpiresIn.Seconds()),
	}})
}

// rescan forces a fresh verdict. Unlike the background worker, the scanner is
// the primary operation here, so its failure surfaces to the caller.
func rescan(c *gin.Context, store registrystore.MessageStore, attachStore registryattach.AttachmentStore, scanner registryscan.Scanner) {
	attachment, ok := loadAttachment(c, store)
	if !ok {
		return
	}
	if scanner == nil {
		handleError(c, &registrystore.DependencyError{Dependency: "scanner", Err: errors.New("no scanner configured")})
		return
	}

	var verdict scan.Verdict
	if attachment.StorageKey != nil && *attachment.StorageKey != "" {
		body, err := attachStore.Retrieve(c.Request.Context(), *attachment.StorageKey)
		if err != nil {
			handleError(c, &registrystore.DependencyError{Dependency: "attachment storage", Err: err})
			return
		}
		data, err := io.ReadAll(body)
		_ = body.Close()
		if err != nil {
			handleError(c, &registrystore.DependencyError{Dependency: "attachment storage", Err: err})
			return
		}
		verdict = scanner.ScanBuffer(c.Request.Context(), data, attachment.Filename)
	} else {
		verdict = scanner.ScanObject(c.Request.Context(), registryscan.ObjectRef{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
		})
	}
	if security.ScanVerdictsTotal != nil {
		security.ScanVerdictsTotal.WithLabelValues(verdict.Engine, string(verdict.Status)).Inc()
	}
	if verdict.Status == model.ScanFailed {
		handleError(c, &registrystore.DependencyError{Dependency: "scanner", Err: errors.New(verdict.Details)})
		return
	}

	vs := attachment.VirusScan
	scan.Merge(&vs, verdict, time.Now().UTC())
	if err := store.UpdateAttachmentScan(c.Request.Context(), attachment.ID, vs); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": vs})
}

func loadAttachment(c *gin.Context, store registrystore.MessageStore) (*model.Attachment, bool) {
	attachID, err := uuid.Parse(c.Param("attachmentId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "attachment not found"})
		return nil, false
	}
	attachment, err := store.GetAttachment(c.Request.Context(), security.GetUserID(c), attachID)
	if err != nil {
		handleError(c, err)
		return nil, false
	}
	return attachment, true
}

// loadServable loads the attachment and refuses anything without a clean
// verdict. Pending scans report 409 so clients can retry; everything else is
// withheld outright.
func loadServable(c *gin.Context, store registrystore.MessageStore) (*model.Attachment, bool) {
	attachment, ok := loadAttachment(c, store)
	if !ok {
		return nil, false
	}
	if scan.Servable(attachment.VirusScan) {
		return attachment, true
	}
	switch attachment.VirusScan.Status {
	case model.ScanPending:
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "attachment scan in progress", "scanStatus": attachment.VirusScan.Status})
	case model.ScanInfected:
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "attachment failed malware screening", "scanStatus": attachment.VirusScan.Status})
	default:
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "attachment is not available for download", "scanStatus": attachment.VirusScan.Status})
	}
	return nil, false
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
