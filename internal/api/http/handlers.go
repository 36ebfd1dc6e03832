package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/api/middleware"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const (
	// MaxLimit caps the limit query parameter.
	MaxLimit = 1000

	version = "0.1.0"
)

var errBadLimit = errors.New("limit must be an integer between 0 and 1000")

// Registry is the read side of the registry service.
type Registry interface {
	Info() (service.Info, error)
	Lookup(name string, limit int) ([]service.Entry, error)
	List(limit int) ([]service.Entry, error)
	Get(key id.Key) (*service.Entry, error)
	HealthOverview() []health.Target
	HealthEnabled() bool
	Check(ctx context.Context, key id.Key) (health.Health, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	registry Registry
	metrics  *monitoring.Metrics
	throttle *middleware.Throttle
	logger   *zap.Logger
}

// NewHandlers creates a new handler set. metrics and throttle may be nil.
func NewHandlers(registry Registry, metrics *monitoring.Metrics, throttle *middleware.Throttle, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		registry: registry,
		metrics:  metrics,
		throttle: throttle,
		logger:   logger.Named("http"),
	}
}

// Register mounts the query routes on r.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/services", h.ListServices)
	r.GET("/services/:name", h.LookupService)
	r.GET("/entries/:key", h.GetEntry)
	r.GET("/health/targets", h.HealthTargets)
	r.GET("/health/targets/:key", h.HealthTarget)
}

// Root describes the registry and its keys
func (h *Handlers) Root(c *gin.Context) {
	info, err := h.registry.Info()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service": "rpc-discovery",
		"version": version,
		"info":    info,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	info, err := h.registry.Info()
	if err != nil {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status": status,
		"health": gin.H{"enabled": h.registry.HealthEnabled()},
	}
	if err == nil {
		body["entries"] = info.Entries
		body["applied"] = info.Applied
		body["health"] = gin.H{"enabled": h.registry.HealthEnabled(), "targets": info.Targets}
	}
	if h.metrics != nil {
		body["http"] = h.metrics.Snapshot()
	}
	if h.throttle != nil {
		body["rpc"] = h.throttle.Stats()
	}
	c.JSON(code, body)
}

// ListServices lists entries across every service
func (h *Handlers) ListServices(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	entries, err := h.registry.List(limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// LookupService lists the entries registered under a service name
func (h *Handlers) LookupService(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	name := c.Param("name")
	entries, err := h.registry.Lookup(name, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service": name,
		"entries": entries,
		"count":   len(entries),
	})
}

// GetEntry returns the registration of one public key
func (h *Handlers) GetEntry(c *gin.Context) {
	key, err := id.Decode(c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}
	entry, err := h.registry.Get(key)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HealthTargets lists every monitored target
func (h *Handlers) HealthTargets(c *gin.Context) {
	targets := h.registry.HealthOverview()
	c.JSON(http.StatusOK, gin.H{
		"enabled": h.registry.HealthEnabled(),
		"targets": targets,
		"count":   len(targets),
	})
}

// HealthTarget reports the health of one target. ?probe=true checks it now.
func (h *Handlers) HealthTarget(c *gin.Context) {
	key, err := id.Decode(c.Param("key"))
	if err != nil {
		h.fail(c, err)
		return
	}

	if probe, _ := strconv.ParseBool(c.Query("probe")); probe {
		hl, err := h.registry.Check(c.Request.Context(), key)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "health": hl})
		return
	}

	for _, t := range h.registry.HealthOverview() {
		if t.Key == key {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "target not found"})
}

// limit parses ?limit=. A missing limit is 0, which means the store default.
func (h *Handlers) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > MaxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": errBadLimit.Error()})
		return 0, false
	}
	return n, true
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, id.ErrInvalidKey):
		code = http.StatusBadRequest
	case errors.Is(err, health.ErrUnknownTarget):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrHealthDisabled):
		code = http.StatusConflict
	case errors.Is(err, service.ErrNotOpen), errors.Is(err, service.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
