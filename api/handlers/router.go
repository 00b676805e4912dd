package handlers

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/logger"
	"github.com/stripcol/gateway/internal/observability"
	"github.com/stripcol/gateway/internal/ws"
)

// RouterConfig carries what the router needs.
type RouterConfig struct {
	Service *ws.Service
	Journal *logger.Journal
	// Origins allowed by CORS. Empty allows any origin.
	Origins   []string
	KeepAlive time.Duration
}

// NewRouter builds the gateway's HTTP surface.
func NewRouter(cfg RouterConfig) *gin.Engine {
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(observability.RequestLogger(log.Logger))

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.Origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.Origins
	}
	r.Use(corsByPath(cors.New(corsCfg), corsCfg))

	statusHandler := NewStatusHandler(cfg.Service, cfg.Journal)
	sessionHandler := NewSessionHandler(cfg.Service.Registry())
	eventsHandler := NewEventsHandler(cfg.Service, cfg.KeepAlive)
	commandHandler := NewCommandHandler(cfg.Service)
	wsHandler := NewWebSocketHandler(cfg.Service.Handler(), statusHandler)

	wsHandler.RegisterRoutes(r)
	r.GET("/metrics", observability.MetricsHandler())

	api := r.Group("/api")
	{
		statusHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
		eventsHandler.RegisterRoutes(api)
		commandHandler.RegisterRoutes(api)
	}

	return r
}

// eventsPath accepts any origin regardless of RouterConfig.Origins.
const eventsPath = "/api/events"

func corsByPath(restricted gin.HandlerFunc, base cors.Config) gin.HandlerFunc {
	base.AllowAllOrigins = true
	base.AllowOrigins = nil
	anyOrigin := cors.New(base)
	return func(c *gin.Context) {
		if c.Request.URL.Path == eventsPath {
			anyOrigin(c)
			return
		}
		restricted(c)
	}
}
