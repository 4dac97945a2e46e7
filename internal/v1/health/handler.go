// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meshconf/signaling/internal/v1/bus"
	"github.com/meshconf/signaling/internal/v1/logging"
)

// Handler manages health check endpoints.
type Handler struct {
	bus      *bus.Service
	draining atomic.Bool
}

// NewHandler creates a health check handler. busService may be nil in
// single-instance mode.
func NewHandler(busService *bus.Service) *Handler {
	return &Handler{bus: busService}
}

// SetDraining flips readiness to 503 so load balancers stop routing new
// connections while shutdown drains the existing ones.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /healthz. Returns 200 if the process is alive; no
// dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /readyz. Returns 200 only when the hub can accept
// new connections: not draining, and Redis reachable when enabled.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, ReadinessResponse{
			Status:    "draining",
			Checks:    checks,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	checks["redis"] = h.checkRedis(ctx)
	if checks["redis"] == "unhealthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.bus == nil {
		return "disabled" // single-instance mode, nothing to check
	}

	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
