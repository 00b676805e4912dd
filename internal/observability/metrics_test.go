package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/api", 200, 12*time.Millisecond)
	RecordPluginFrame("aircraft", "relayed")
	RecordBroadcast("aircraft", 2)
	RecordCommand("set-squawk", true, "ok")
	RecordCommand("made-up", false, "ok")
	RecordSyncRequest()
	SetSessions(3)
	SubscriberOpened()
	SubscriberClosed()
	RecordPresence("delivered")
	SetElectionState("host", "probing", "host", "backup")
}

func TestMetricsEndpointExposesRelayCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware())
	r.GET("/metrics", MetricsHandler())
	r.GET("/api", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	RecordSyncRequest()

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "stripcol_relay_sync_requests_total"))
	assert.True(t, strings.Contains(body, `stripcol_http_requests_total{method="GET",path="/api",status="200"}`))
}
