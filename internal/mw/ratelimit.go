package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client IP. Entries are never
// evicted; the set of distinct IPs grows with real traffic, not per request.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	burst   int
}

func newClientLimiters(r rate.Limit, burst int) *clientLimiters {
	return &clientLimiters{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		burst:   burst,
	}
}

func (l *clientLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.buckets[ip]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.burst)
		l.buckets[ip] = limiter
	}
	return limiter
}

// RateLimiter throttles by client IP and answers excess requests with 429 and
// the usual error envelope.
func RateLimiter(r rate.Limit, burst int, log *logrus.Logger) gin.HandlerFunc {
	limiters := newClientLimiters(r, burst)
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			log.Printf("rate limit exceeded for %s on %s", c.ClientIP(), c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
