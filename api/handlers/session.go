// Package handlers provides the gateway's HTTP API request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/session"
)

// SessionHandler serves the cached state of relay sessions.
type SessionHandler struct {
	registry *session.Registry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// sendSessionError maps registry lookup errors onto the error body.
func sendSessionError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrNoSession) {
		sendError(c, http.StatusNotFound, "Session not found")
		return
	}
	sendError(c, http.StatusInternalServerError, err.Error())
}

// Pair handles GET /api/pair/:code - reports whether a plugin is bound.
func (h *SessionHandler) Pair(c *gin.Context) {
	if h.registry.Paired(model.NormalizeCode(c.Param("code"))) {
		c.JSON(http.StatusOK, model.CommandResponse{Success: true, Message: "Paired"})
		return
	}
	c.JSON(http.StatusOK, model.CommandResponse{Success: false, Message: "Euroscope plugin not found for this code."})
}

// Assumed handles GET /api/assumed - returns the cached aircraft.
func (h *SessionHandler) Assumed(c *gin.Context) {
	code := model.NormalizeCode(c.Query("code"))
	if code == "" {
		sendError(c, http.StatusBadRequest, "Missing code")
		return
	}

	aircraft, err := h.registry.Aircraft(code)
	if err != nil {
		sendSessionError(c, err)
		return
	}
	if aircraft == nil {
		aircraft = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, aircraft)
}

// ATCList handles GET /api/ATC-list - returns the cached ATC list.
func (h *SessionHandler) ATCList(c *gin.Context) {
	code := model.NormalizeCode(c.Query("code"))
	if code == "" {
		sendError(c, http.StatusBadRequest, "Missing code")
		return
	}

	list, err := h.registry.ATCList(code)
	if err != nil {
		sendSessionError(c, err)
		return
	}
	if len(list) == 0 {
		list = json.RawMessage("[]")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", list)
}

// PointTime handles GET /api/point-time - returns cached ETA points of one
// flight, optionally filtered by a comma separated points list.
func (h *SessionHandler) PointTime(c *gin.Context) {
	code := model.NormalizeCode(c.Query("code"))
	if code == "" {
		c.String(http.StatusBadRequest, "Missing Link Code")
		return
	}

	var points []string
	for _, p := range strings.Split(c.Query("points"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, p)
		}
	}
	c.JSON(http.StatusOK, h.registry.PointTimes(code, c.Query("callsign"), points))
}

// RegisterRoutes registers the session routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/pair/:code", h.Pair)
	rg.GET("/assumed", h.Assumed)
	rg.GET("/ATC-list", h.ATCList)
	rg.GET("/point-time", h.PointTime)
}
