// Package ws mounts the realtime websocket endpoint.
package ws

import (
	"github.com/gin-gonic/gin"
	"github.com/kelmah/messaging-service/internal/gateway"
)

// MountRoutes mounts the websocket upgrade route. Browsers cannot set an
// Authorization header on the upgrade request, so the auth middleware also
// accepts a token query parameter.
func MountRoutes(r *gin.Engine, hub *gateway.Hub, auth gin.HandlerFunc) {
	if hub == nil {
		return
	}
	r.GET("/api/ws", auth, hub.HandleConnection)
}
