package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stripcol/gateway/internal/logger"
	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/ws"
)

// Service identity reported by the liveness endpoint.
const (
	ServiceName    = "Gateway Hub"
	ServiceVersion = "1.0.2"
)

// StatusHandler serves liveness and the log journal.
type StatusHandler struct {
	service *ws.Service
	journal *logger.Journal
}

// NewStatusHandler creates a new StatusHandler. journal may be nil.
func NewStatusHandler(service *ws.Service, journal *logger.Journal) *StatusHandler {
	return &StatusHandler{service: service, journal: journal}
}

// Status handles GET / and GET /api.
func (h *StatusHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, model.ServerStatus{
		Status:      "online",
		Service:     ServiceName,
		Version:     ServiceVersion,
		Connections: h.service.Registry().Count(),
		Uptime:      h.service.Uptime().Seconds(),
	})
}

// Logs handles GET /api/logs.
func (h *StatusHandler) Logs(c *gin.Context) {
	entries := []logger.Entry{}
	if h.journal != nil {
		entries = h.journal.Entries()
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// ClearLogs handles POST /api/logs/clear.
func (h *StatusHandler) ClearLogs(c *gin.Context) {
	if h.journal != nil {
		h.journal.Clear()
	}
	c.JSON(http.StatusOK, model.CommandResponse{Success: true})
}

// RegisterRoutes registers the status and log routes on a Gin router group.
func (h *StatusHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.Status)
	rg.GET("/logs", h.Logs)
	rg.POST("/logs/clear", h.ClearLogs)
}
