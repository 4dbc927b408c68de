package web

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// limiters idle for longer are forgotten
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds rate limiters for different IP addresses
type RateLimiter struct {
	limiters map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  sync.Once
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		rate:     r,
		burst:    b,
	}
}

// getLimiter returns the rate limiter for a given IP address
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.limiters[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// evictIdle forgets every address not seen since before cutoff.
func (rl *RateLimiter) evictIdle(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for ip, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) cleanupOldLimiters() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.evictIdle(time.Now().Add(-limiterIdle))
	}
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	rl.cleanup.Do(func() { go rl.cleanupOldLimiters() })

	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs every request once it has been served.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP: served request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}

const (
	ctxSignedBy = "signedBy"
	ctxBody     = "body"
)

// RequireSignature reads the body and lets the request through only when
// it carries a fresh Date header and a valid HTTP signature. The signing
// account and the raw body are stored on the context.
func RequireSignature(verifier SignatureVerifier, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !activitypub.MatchesTimeWindow(c.Request.Header, time.Now(), window) {
			logger.Debug("Inbox: request outside of the signature window", zap.String("date", c.GetHeader("Date")))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Request date outside of the allowed window"})
			return
		}

		actor, ok := verifier.Verify(c.Request.Context(), c.Request, body)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Request not signed or signature invalid"})
			return
		}

		c.Set(ctxSignedBy, actor)
		c.Set(ctxBody, body)
		c.Next()
	}
}

// signedBy returns the account RequireSignature authenticated.
func signedBy(c *gin.Context) *domain.Account {
	v, ok := c.Get(ctxSignedBy)
	if !ok {
		return nil
	}
	acc, _ := v.(*domain.Account)
	return acc
}

func signedBody(c *gin.Context) []byte {
	v, _ := c.Get(ctxBody)
	body, _ := v.([]byte)
	return body
}
