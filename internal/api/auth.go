package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coffeemeet/meet-app/internal/auth"
	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
	"github.com/coffeemeet/meet-app/internal/otp"
	"github.com/coffeemeet/meet-app/internal/ratelimit"
)

// CodeRequest asks for a one-time login code.
type CodeRequest struct {
	Address string `json:"address" binding:"required"`
}

// TokenRequest exchanges a one-time code for a bearer token.
type TokenRequest struct {
	Address string `json:"address" binding:"required"`
	Code    string `json:"code" binding:"required"`
}

// TokenResponse carries a freshly issued token.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// codeDelivery is the payload published for the external code sender.
type codeDelivery struct {
	Address string `json:"address"`
	Code    string `json:"code"`
}

// RequestCode handles POST /api/v1/auth/code.
func (h *Handler) RequestCode(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	if h.deps.Codes == nil || h.deps.Sender == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code login unavailable"})
		return
	}

	var req CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	address, err := otp.NormalizeAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	if !h.allow(c, address, ratelimit.RuleCodeRequest) {
		return
	}

	code, err := h.deps.Codes.Issue(ctx, address)
	if err != nil {
		logger.Error().Err(err).Msg("issue code failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	payload, err := json.Marshal(codeDelivery{Address: address, Code: code})
	if err == nil {
		err = h.deps.Sender.PublishCodeDelivery(payload)
	}
	if err != nil {
		logger.Error().Err(err).Msg("code delivery failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code delivery unavailable"})
		return
	}

	logger.Info().Str("address", address).Msg("login code sent")
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

// IssueToken handles POST /api/v1/auth/token.
func (h *Handler) IssueToken(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	if h.deps.Codes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "code login unavailable"})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	address, err := otp.NormalizeAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	if !h.allow(c, address, ratelimit.RuleCodeVerify) {
		return
	}

	if err := h.deps.Codes.Verify(ctx, address, req.Code); err != nil {
		logger.Warn().Err(err).Str("address", address).Msg("code verification failed")
		switch {
		case errors.Is(err, otp.ErrCodeNotFound), errors.Is(err, otp.ErrCodeMismatch):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired code"})
		case errors.Is(err, otp.ErrTooManyAttempts):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, request a new code"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	token, claims, err := h.deps.Tokens.Issue(matching.UserID(address))
	if err != nil {
		logger.Error().Err(err).Msg("issue token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	logger.Info().Str("user", address).Str("jti", claims.ID).Msg("token issued")
	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

// Logout handles POST /api/v1/auth/logout by revoking the caller's token.
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	claims := currentClaims(c)

	if err := h.deps.Tokens.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		logging.FromContext(ctx).Error().Err(err).Str("jti", claims.ID).Msg("revoke failed")
		if errors.Is(err, auth.ErrRevocationUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "logout unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RateLimitRemainingHeader reports how many requests are left in the window.
const RateLimitRemainingHeader = "X-RateLimit-Remaining"

// allow applies rule to identifier and writes 429 when it is exhausted.
func (h *Handler) allow(c *gin.Context, identifier string, rule ratelimit.Rule) bool {
	if h.deps.Limiter == nil {
		return true
	}
	ctx := c.Request.Context()
	if ok, _ := h.deps.Limiter.Allow(ctx, identifier, rule); ok {
		if left, err := h.deps.Limiter.Remaining(ctx, identifier, rule); err == nil {
			c.Header(RateLimitRemainingHeader, strconv.Itoa(left))
		}
		return true
	}
	c.Header(RateLimitRemainingHeader, "0")
	retry := h.deps.Limiter.RetryAfter(ctx, identifier, rule)
	seconds := int(retry.Round(time.Second) / time.Second)
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after": seconds})
	return false
}
