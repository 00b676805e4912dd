package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/ws"
)

// WebSocketHandler accepts plugin WebSocket connections.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	status    *StatusHandler
}

// NewWebSocketHandler creates a new WebSocketHandler. Plain requests to the
// root path fall through to status.
func NewWebSocketHandler(wsHandler *ws.Handler, status *StatusHandler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler, status: status}
}

// Attach handles the plugin WebSocket upgrade.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader already replied.
		log.Debug().Err(err).Str("remote", c.Request.RemoteAddr).Msg("plugin upgrade failed")
	}
}

// Root handles GET / - upgrades plugin sockets and reports liveness to
// everything else.
func (h *WebSocketHandler) Root(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		h.Attach(c)
		return
	}
	h.status.Status(c)
}

// RegisterRoutes registers the plugin socket routes on the engine.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.Root)
	r.GET("/ws", h.Attach)
	r.GET("/api/plugin", h.Attach)
}
