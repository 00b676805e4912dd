package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/ws"
)

// CommandHandler forwards UI commands to the bound plugin.
type CommandHandler struct {
	service *ws.Service
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(service *ws.Service) *CommandHandler {
	return &CommandHandler{service: service}
}

func sendCommandError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, model.CommandResponse{Success: false, Message: message})
}

// Submit handles POST /api/:action. The body is {code, ...payload}; the
// payload is forwarded as {type: action, ...payload}.
func (h *CommandHandler) Submit(c *gin.Context) {
	action := c.Param("action")

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Debug().Err(err).Str("action", action).Msg("unreadable command body")
	}
	var code string
	if raw, ok := body["code"]; ok {
		_ = json.Unmarshal(raw, &code)
	}

	err := h.service.Submit(code, action, body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, model.CommandResponse{Success: true})
	case errors.Is(err, model.ErrMissingCode):
		sendCommandError(c, http.StatusBadRequest, "Missing Link Code")
	case errors.Is(err, model.ErrNoSession), errors.Is(err, model.ErrNoPlugin):
		sendCommandError(c, http.StatusPreconditionFailed, "Euroscope plugin not connected for this code")
	case errors.Is(err, model.ErrChannelNotOpen):
		sendCommandError(c, http.StatusServiceUnavailable, "Plugin connection not open")
	default:
		sendCommandError(c, http.StatusInternalServerError, "Failed to forward command: "+err.Error())
	}
}

// RegisterRoutes registers the command route on a Gin router group.
func (h *CommandHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/:action", h.Submit)
}
