package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
	// MaxClients bounds how many per-IP limiters are remembered. The least
	// recently seen client is forgotten first.
	MaxClients int
}

// DefaultRateLimitConfig returns production-ready rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             200,
		MaxClients:        10000,
	}
}

// clientLimiters hands out one token bucket per client address
type clientLimiters struct {
	cfg   RateLimitConfig
	cache *lru.Cache[string, *rate.Limiter]
}

func newClientLimiters(cfg RateLimitConfig) *clientLimiters {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitConfig().MaxClients
	}
	cache, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		panic(err)
	}
	return &clientLimiters{cfg: cfg, cache: cache}
}

func (l *clientLimiters) get(ip string) *rate.Limiter {
	if limiter, ok := l.cache.Get(ip); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)
	if prev, found, _ := l.cache.PeekOrAdd(ip, limiter); found {
		return prev
	}
	return limiter
}

// RateLimit creates a per-IP rate limiting middleware. Rejected requests get
// 429 with a Retry-After hint in whole seconds.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiters := newClientLimiters(cfg)

	return func(c *gin.Context) {
		now := time.Now()
		r := limiters.get(c.ClientIP()).ReserveN(now, 1)
		if !r.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
