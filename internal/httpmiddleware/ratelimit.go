package httpmiddleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// KeyFunc derives the limiter key for a request.
type KeyFunc func(c *gin.Context) string

// SimpleTokenBucket is an in-memory rate limiter used when Redis is not available.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow takes one token for key.
func (l *SimpleTokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.state[key]
	now := l.now()
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true, nil
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisWindow is a fixed-window limiter shared by every API instance. When
// Redis fails it defers to the fallback limiter.
type RedisWindow struct {
	client   *redis.Client
	limit    int64
	window   time.Duration
	prefix   string
	fallback Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedisWindow allows limit requests per key per window.
func NewRedisWindow(client *redis.Client, limit int, window time.Duration, fallback Limiter, logger *slog.Logger) *RedisWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWindow{
		client:   client,
		limit:    int64(limit),
		window:   window,
		prefix:   "attendai:ratelimit:",
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow counts the request in the current window.
func (l *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixNano() / int64(l.window)
	k := l.prefix + key + ":" + strconv.FormatInt(slot, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		if l.fallback == nil {
			return true, err
		}
		l.logger.Warn("rate limit store unavailable, using local limiter", "error", err)
		return l.fallback.Allow(ctx, key)
	}
	return incr.Val() <= l.limit, nil
}

// ClientKey keys by authenticated identity when identity returns one, else by client IP.
func ClientKey(identity func(*gin.Context) string) KeyFunc {
	return func(c *gin.Context) string {
		if identity != nil {
			if id := identity(c); id != "" {
				return "id:" + id
			}
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		return "ip:" + ip
	}
}

// RateLimit returns a gin handler enforcing limiter per key.
func RateLimit(limiter Limiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := limiter.Allow(c.Request.Context(), key(c))
		if err != nil {
			slog.Warn("rate limit check failed", "error", err)
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
