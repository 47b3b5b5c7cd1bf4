package connectkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const clientLimiterIdleWindow = 5 * time.Minute

// ClientRateLimiter throttles requests per client IP with a token bucket.
type ClientRateLimiter struct {
	limit   rate.Limit
	burst   int
	clock   Clock
	mutex   sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter allows requestsPerMinute per client; a non-positive budget disables limiting.
func NewClientRateLimiter(requestsPerMinute int, clock Clock) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		clock:   clock,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware rejects over-budget clients with 429.
func (limiter *ClientRateLimiter) Middleware() gin.HandlerFunc {
	if limiter == nil {
		return func(contextGin *gin.Context) {
			contextGin.Next()
		}
	}
	return func(contextGin *gin.Context) {
		now := limiter.clock.Now()
		if !limiter.limiterFor(contextGin.ClientIP(), now).AllowN(now, 1) {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}

func (limiter *ClientRateLimiter) limiterFor(clientKey string, now time.Time) *rate.Limiter {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	if entry, ok := limiter.clients[clientKey]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	entry := &clientLimiter{limiter: rate.NewLimiter(limiter.limit, limiter.burst), lastSeen: now}
	limiter.clients[clientKey] = entry
	for key, existing := range limiter.clients {
		if now.Sub(existing.lastSeen) > clientLimiterIdleWindow {
			delete(limiter.clients, key)
		}
	}
	return entry.limiter
}
