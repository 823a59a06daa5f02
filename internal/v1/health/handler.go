package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
)

// StatsProvider reports the live connection and room counts. The hub
// implements it.
type StatsProvider interface {
	Stats() (connections int, rooms int)
}

// StoreChecker exposes the document store circuit breaker state. The HTTP
// store implements it.
type StoreChecker interface {
	State() gobreaker.State
}

// Handler manages health check endpoints
type Handler struct {
	stats       StatsProvider
	store       StoreChecker
	redisClient *redis.Client
}

// NewHandler creates a new health check handler. redisClient is nil when
// Redis is disabled.
func NewHandler(stats StatsProvider, store StoreChecker, redisClient *redis.Client) *Handler {
	return &Handler{
		stats:       stats,
		store:       store,
		redisClient: redisClient,
	}
}

// SummaryResponse represents the stats endpoint response
type SummaryResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Summary handles the stats endpoint
// GET /health
// Reports process status plus live connection and room counts
func (h *Handler) Summary(c *gin.Context) {
	connections, rooms := 0, 0
	if h.stats != nil {
		connections, rooms = h.stats.Stats()
	}

	response := SummaryResponse{
		Status:      "ok",
		Connections: connections,
		Rooms:       rooms,
	}

	c.JSON(http.StatusOK, response)
}

// Liveness handles the liveness probe endpoint
// GET /healthz
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /readyz
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check the document store circuit breaker
	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus
	if storeStatus != "healthy" {
		allHealthy = false
	}

	// Check Redis connectivity (if enabled)
	if h.redisClient != nil {
		redisStatus := h.checkRedis(ctx)
		checks["redis"] = redisStatus
		if redisStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStore reads the document store circuit breaker state
func (h *Handler) checkStore(ctx context.Context) string {
	// If no store is wired, consider it healthy
	if h.store == nil {
		return "healthy"
	}

	// Half-open still admits probe requests, only a fully open breaker
	// means the store is unreachable
	if state := h.store.State(); state == gobreaker.StateOpen {
		logging.Warn(ctx, "Readiness check failed, document store circuit breaker open",
			zap.String("state", state.String()))
		return "unhealthy"
	}

	return "healthy"
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
