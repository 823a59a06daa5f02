// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/config"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/logging"
	"github.com/inkwell-live/whiteboard/backend/go/internal/v1/metrics"
)

// RateLimiter guards the two abuse surfaces of the realtime server: how fast
// one IP may open websocket connections, and how fast one session may send
// messages once connected.
type RateLimiter struct {
	wsConnect  *limiter.Limiter
	wsMessages *limiter.Limiter
	store      limiter.Store
}

// NewRateLimiter builds the limiters from the configured rate strings.
// With a Redis client the limits are shared across replicas; without one
// they fall back to per-process memory counters.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS connect rate: %w", err)
	}

	messageRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsMsg)
	if err != nil {
		return nil, fmt.Errorf("invalid WS message rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:whiteboard:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsConnect:  limiter.New(store, connectRate),
		wsMessages: limiter.New(store, messageRate),
		store:      store,
	}, nil
}

// CheckWebSocket enforces the per-IP connect limit before the upgrade.
// Returns true if the connection may proceed; on refusal it writes the 429
// response itself. Store failures fail open so a limiter outage cannot take
// the service down with it.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsConnect.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect_ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// AllowMessage enforces the per-session inbound message limit. The read pump
// calls this for every frame before parsing; a false return means the session
// has exceeded its budget and should be disconnected. Store failures fail
// open.
func (rl *RateLimiter) AllowMessage(ctx context.Context, sessionID string) bool {
	msgContext, err := rl.wsMessages.Get(ctx, sessionID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (session)", zap.Error(err))
		return true
	}

	if msgContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("session_messages").Inc()
		return false
	}

	return true
}
