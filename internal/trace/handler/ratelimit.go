package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

// Rate limit scopes, reported in the X-RateLimit-Scope header and the
// silicontrace_rate_limited_total metric.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// RateLimitConfig sets the token-bucket budgets. Reads share one bucket per
// client. Writes (opening a batch, appending a stage) get a bucket per
// client and batch, so a busy stage feed for one batch neither starves
// appends to other batches nor eats into the client's read budget.
type RateLimitConfig struct {
	ReadRPS    int
	ReadBurst  int // default 2*ReadRPS
	WriteRPS   int // default ReadRPS
	WriteBurst int // default 2*WriteRPS
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.ReadBurst <= 0 {
		c.ReadBurst = 2 * c.ReadRPS
	}
	if c.WriteRPS <= 0 {
		c.WriteRPS = c.ReadRPS
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 2 * c.WriteRPS
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one bucket per key and forgets idle ones.
type limiterSet struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func (s *limiterSet) get(key string, rps, burst int, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (s *limiterSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(s.buckets, key)
		}
	}
}

// RateLimiter returns a Gin middleware enforcing cfg. Rejected requests get
// a 429 with Retry-After set to when the bucket next has a token. Idle
// buckets are swept until ctx is cancelled.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	set := &limiterSet{buckets: make(map[string]*bucket)}

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				set.sweep(now)
			}
		}
	}()

	return func(c *gin.Context) {
		scope, key := limiterKey(c)
		rps, burst := cfg.ReadRPS, cfg.ReadBurst
		if scope == ScopeWrite {
			rps, burst = cfg.WriteRPS, cfg.WriteBurst
		}

		now := time.Now()
		r := set.get(key, rps, burst, now).ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			traceRateLimited.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			c.Header("X-RateLimit-Scope", scope)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"scope": scope,
			})
			return
		}
		c.Next()
	}
}

// limiterKey picks the bucket for a request. POSTs are writes and are
// keyed by the batch they touch; opening a batch has an empty id.
func limiterKey(c *gin.Context) (scope, key string) {
	ip := c.ClientIP()
	if c.Request.Method != http.MethodPost {
		return ScopeRead, ScopeRead + "|" + ip
	}
	return ScopeWrite, ScopeWrite + "|" + ip + "|" + c.Param("id")
}

func retryAfterSeconds(d time.Duration) int {
	if d == rate.InfDuration {
		return int(limiterIdleTTL.Seconds())
	}
	if s := int(math.Ceil(d.Seconds())); s > 1 {
		return s
	}
	return 1
}
