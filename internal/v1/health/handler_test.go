package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshconf/signaling/internal/v1/bus"
)

func TestLiveness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/healthz", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Single-instance mode: no bus, still ready
	handler := NewHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/readyz", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestReadiness_RedisHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	handler := NewHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/readyz", nil)

	handler.Readiness(c)

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "status")
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, `"redis":"healthy"`)
}

func TestReadiness_RedisDown(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	// Kill redis after connecting
	mr.Close()

	handler := NewHandler(svc)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/readyz", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}

func TestReadiness_Draining(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil)
	handler.SetDraining()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/readyz", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "draining")
}

func TestLiveness_UnaffectedByDraining(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Liveness stays green while draining; the process is still alive.
	handler := NewHandler(nil)
	handler.SetDraining()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/healthz", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}
