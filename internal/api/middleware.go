package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coffeemeet/meet-app/internal/auth"
	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/metrics"
)

const (
	TraceIDHeader     = "X-Trace-ID"
	TraceParentHeader = "traceparent"

	ctxUserID = "user_id"
	ctxClaims = "claims"
)

// GetTraceID extracts the trace id from the W3C traceparent header, then the
// X-Trace-ID header, and generates one if neither is present.
func GetTraceID(c *gin.Context) string {
	// traceparent format: version-trace_id-parent_id-flags
	if parts := strings.Split(c.GetHeader(TraceParentHeader), "-"); len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	if traceID := c.GetHeader(TraceIDHeader); traceID != "" {
		return traceID
	}
	return generateTraceID()
}

func generateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// LoggingMiddleware logs every request with its trace id and stores a
// request-scoped logger in the request context.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		traceID := GetTraceID(c)
		c.Set("trace_id", traceID)

		logger := log.With().Str("trace_id", traceID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Header(TraceIDHeader, traceID)

		c.Next()

		statusCode := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case statusCode >= 500:
			event = logger.Error()
		case statusCode >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}

		event.
			Str("method", method).
			Str("path", path).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("HTTP request")
	}
}

// PrometheusMiddleware records request counts and latency by route template,
// so path parameters do not explode label cardinality.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// TokenVerifier resolves bearer tokens. auth.Service satisfies it.
type TokenVerifier interface {
	Claims(ctx context.Context, token string) (auth.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token with 401 and
// stores the caller's UserID and claims in the gin context. allowQuery also
// accepts ?access_token=, which browsers need for WebSocket upgrades.
func RequireAuth(tokens TokenVerifier, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && allowQuery {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		ctx := c.Request.Context()
		claims, err := tokens.Claims(ctx, token)
		if err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("token rejected")
			if errors.Is(err, auth.ErrRejected) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		user := matching.UserID(claims.Subject)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("user.id", string(user)))
		logger := logging.FromContext(ctx).With().Str("user", string(user)).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(ctx))

		c.Set(ctxUserID, user)
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// currentUser returns the UserID stored by RequireAuth.
func currentUser(c *gin.Context) matching.UserID {
	return c.MustGet(ctxUserID).(matching.UserID)
}

func currentClaims(c *gin.Context) auth.Claims {
	return c.MustGet(ctxClaims).(auth.Claims)
}
