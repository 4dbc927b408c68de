package web

import (
	"context"
	"net/http"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/streaming"
	"github.com/deemkeen/mammut/worker"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityJSON = "application/activity+json; charset=utf-8"
	maxBodySize  = 1 * 1024 * 1024
)

type SignatureVerifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Account, bool)
}

// Inbox performs activities of authenticated remote actors.
type Inbox interface {
	Dispatch(ctx context.Context, actor *domain.Account, body []byte) error
}

type Jobs interface {
	Submit(job worker.Job) error
}

type Config struct {
	Domain          string
	SignatureWindow time.Duration
	DB              *db.DB
	Verifier        SignatureVerifier
	Inbox           Inbox
	Jobs            Jobs
	Hub             *streaming.Hub
	Metrics         *metrics.Metrics // nil disables /metrics
	Logger          *zap.Logger
}

type server struct {
	conf   Config
	db     *db.DB
	logger *zap.Logger
}

// Router wires every HTTP endpoint.
func Router(conf Config) *gin.Engine {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	if conf.SignatureWindow == 0 {
		conf.SignatureWindow = 30 * time.Second
	}
	s := &server{conf: conf, db: conf.DB, logger: conf.Logger}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(conf.Logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/streaming"})))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter rate limit for ActivityPub endpoints: 5 req/sec per IP
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	signed := g.Group("",
		RateLimitMiddleware(apLimiter),
		MaxBytesMiddleware(maxBodySize),
		RequireSignature(conf.Verifier, conf.SignatureWindow, conf.Logger))

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	g.GET("/users/:username", s.handleActor)
	g.GET("/users/:username/outbox", s.handleOutbox)
	g.GET("/users/:username/statuses/:id", s.handleStatus)

	signed.POST("/inbox", s.handleSharedInbox)
	signed.POST("/users/:username/inbox", s.handleInbox)

	g.GET("/api/v1/streaming/:stream", s.handleStreaming)

	if conf.Metrics != nil {
		g.GET("/metrics", gin.WrapH(conf.Metrics.Handler()))
	}
	return g
}
