package monitoring

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOperation("add-service", "applied")
	m.RecordOperation("add-service", "applied")
	m.RecordOperation("unknown", "skipped")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("add-service", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("unknown", "skipped")))

	m.RecordFlush(3, nil)
	m.RecordFlush(0, errors.New("disk full"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FlushedChanges))

	m.SetEntries(4)
	m.AddEntries(-1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Entries))

	m.RecordProbe("healthy", 20*time.Millisecond)
	m.SetTargets(2, 1, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Probes.WithLabelValues("healthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Targets.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Targets.WithLabelValues("unhealthy")))

	m.RequestAdmitted("put-service")
	m.RequestThrottled("put-service", "concurrency")
	m.SetInFlight(1)
	m.SetConnections(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCAdmitted.WithLabelValues("put-service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCThrottled.WithLabelValues("put-service", "concurrency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RPCConnections))
}

func TestIndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := NewMetrics(nil)
	b := NewMetrics(nil)
	a.IncWSConnections()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.WSConnections))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.WSConnections))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(nil)

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/services/:name", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	for _, path := range []string{"/services/a", "/services/b", "/nope"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/services/:name", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalErrors)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "discovery_http_requests_total"))
	assert.True(t, strings.Contains(body, "discovery_uptime_seconds"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
