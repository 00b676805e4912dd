package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/model"
	"github.com/stripcol/gateway/internal/ws"
)

// DefaultKeepAlive is the spacing of comment lines on an idle stream.
const DefaultKeepAlive = 25 * time.Second

// EventsHandler serves the subscriber event stream.
type EventsHandler struct {
	service   *ws.Service
	keepAlive time.Duration
}

// NewEventsHandler creates a new EventsHandler. A non-positive keepAlive
// uses DefaultKeepAlive.
func NewEventsHandler(service *ws.Service, keepAlive time.Duration) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &EventsHandler{service: service, keepAlive: keepAlive}
}

// Stream handles GET /api/events - attaches a subscriber and streams its
// events until the client leaves or falls too far behind.
func (h *EventsHandler) Stream(c *gin.Context) {
	code := model.NormalizeCode(c.Query("code"))
	if code == "" {
		c.String(http.StatusBadRequest, "Missing Link Code")
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sub := h.service.NewSubscriber(code)
	h.service.Subscribe(sub)
	defer h.service.Unsubscribe(sub)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				log.Warn().Str("code", code).Str("subscriber", sub.ID()).Msg("subscriber fell behind, closing stream")
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: ev.Name, Data: ev.Data}); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// RegisterRoutes registers the event stream route on a Gin router group.
func (h *EventsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
}
