// Package ratelimit throttles connection establishment. Signaling traffic
// itself is not limited; the expensive part is opening connections, so the
// limiter guards the websocket upgrade and the long-poll open endpoints.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/meshconf/signaling/internal/v1/config"
	"github.com/meshconf/signaling/internal/v1/logging"
	"github.com/meshconf/signaling/internal/v1/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the connection-establishment limiter. The store is Redis
// when a client is supplied (limits shared across pods) and in-process memory
// otherwise.
type RateLimiter struct {
	connectIP *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter parses the configured rate (e.g. "120-M") and picks a store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	connectRate, err := limiter.NewRateFromFormatted(cfg.RateLimitConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid connect rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		connectIP: limiter.New(store, connectRate),
		store:     store,
	}, nil
}

// ConnectMiddleware throttles connection attempts by client IP. A store
// failure fails open: availability of the signaling path beats strictness.
func (rl *RateLimiter) ConnectMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()

		lctx, err := rl.connectIP.Get(ctx, ip)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}

// Allow reports whether an out-of-band connection attempt (one not flowing
// through the gin middleware, such as a poll upgrade) is within the limit.
func (rl *RateLimiter) Allow(ctx context.Context, ip string) bool {
	lctx, err := rl.connectIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true // fail open
	}
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		return false
	}
	return true
}
