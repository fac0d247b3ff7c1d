// Package api is the HTTP face of the meet service: one-time-code login, the
// meet operations as REST routes, the WebSocket upgrade, probes and metrics.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/coffeemeet/meet-app/internal/auth"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/metrics"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
	"github.com/coffeemeet/meet-app/internal/ws"
)

// Tokens issues, verifies and revokes bearer tokens. auth.Service satisfies it.
type Tokens interface {
	TokenVerifier
	Issue(user matching.UserID) (string, auth.Claims, error)
	Revoke(ctx context.Context, jti string, until time.Time) error
}

// Codes stores one-time login codes. otp.Store satisfies it.
type Codes interface {
	Issue(ctx context.Context, address string) (string, error)
	Verify(ctx context.Context, address, code string) error
}

// CodeSender hands a code to the external delivery service.
// messaging.NATSClient satisfies it.
type CodeSender interface {
	PublishCodeDelivery(data []byte) error
}

// RateLimiter is the socket limiter plus the remaining-quota lookup behind
// the X-RateLimit-Remaining header. ratelimit.Limiter satisfies it.
type RateLimiter interface {
	ws.Limiter
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Deps are the collaborators behind the routes. Codes, Sender, Limiter,
// Socket and Ready are optional.
type Deps struct {
	ServiceName string
	Meet        ws.Meet
	History     ws.History
	Tokens      Tokens
	Codes       Codes
	Sender      CodeSender
	Limiter     RateLimiter
	Socket      *ws.Server
	Ready       func(ctx context.Context) error
}

// Handler groups the HTTP handlers. Dependencies are injected via the
// constructor.
type Handler struct {
	deps         Deps
	shuttingDown atomic.Bool
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// SetShuttingDown makes /ready fail so load balancers drain traffic before
// the listener closes.
func (h *Handler) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// Router builds the gin engine with middleware and every route.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(h.deps.ServiceName))
	r.Use(LoggingMiddleware())
	r.Use(PrometheusMiddleware())

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	h.RegisterRoutes(v1)
	return r
}

// RegisterRoutes registers the API v1 routes on rg.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/code", h.RequestCode)
	rg.POST("/auth/token", h.IssueToken)
	rg.POST("/auth/logout", RequireAuth(h.deps.Tokens, false), h.Logout)

	meet := rg.Group("/meet")
	meet.GET("/ws", RequireAuth(h.deps.Tokens, true), h.Socket)

	meet.Use(RequireAuth(h.deps.Tokens, false))
	meet.GET("/status", h.Status)
	meet.POST("/search", h.Search)
	meet.POST("/cancel", h.Cancel)
	meet.POST("/finish", h.Finish)
	meet.GET("/history", h.History)
}

// Health reports that the process is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready returns 503 once shutdown has started or a backing service is down.
func (h *Handler) Ready(c *gin.Context) {
	if h.shuttingDown.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
		return
	}
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
