package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/coffeemeet/meet-app/internal/logging"
	"github.com/coffeemeet/meet-app/internal/matching"
)

// RevokedPrefix is the Redis key prefix for revoked token IDs.
const RevokedPrefix = "revoked:"

// Config holds the token policy.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// DefaultIssuer is the iss claim used when Config.Issuer is empty.
const DefaultIssuer = "meet-app"

// Claims are the registered JWT claims carried by a meet token.
type Claims = jwt.RegisteredClaims

// Service issues and verifies meet tokens.
type Service struct {
	cfg     Config
	revoked redis.Cmdable // nil disables revocation
	now     func() time.Time
	log     zerolog.Logger
}

// NewService creates a Service. revoked may be nil, in which case tokens
// cannot be revoked and Verify skips the denylist.
func NewService(cfg Config, revoked redis.Cmdable) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{
		cfg:     cfg,
		revoked: revoked,
		now:     time.Now,
		log:     logging.For("auth"),
	}, nil
}

// Issue signs a token for user. The returned claims carry its ID and expiry.
func (s *Service) Issue(user matching.UserID) (string, Claims, error) {
	now := s.now()
	claims := Claims{
		Subject:   string(user),
		Issuer:    s.cfg.Issuer,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: sign token for %s: %w", user, err)
	}
	return signed, claims, nil
}

// Verify returns the UserID behind a token.
func (s *Service) Verify(ctx context.Context, token string) (matching.UserID, error) {
	claims, err := s.Claims(ctx, token)
	if err != nil {
		return "", err
	}
	return matching.UserID(claims.Subject), nil
}

// Claims parses and validates a token, then checks the denylist. Redis
// failures are logged and the token is accepted.
func (s *Service) Claims(ctx context.Context, token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, rejected(ErrTokenExpired)
	case err != nil:
		return Claims{}, rejected(fmt.Errorf("%w: %v", ErrTokenMalformed, err))
	case claims.Subject == "" || claims.ID == "":
		return Claims{}, rejected(ErrTokenMalformed)
	}

	if s.revoked != nil {
		n, err := s.revoked.Exists(ctx, RevokedPrefix+claims.ID).Result()
		if err != nil {
			s.log.Warn().Err(err).Str("jti", claims.ID).Msg("revocation check failed, accepting token")
		} else if n > 0 {
			return Claims{}, rejected(ErrTokenRevoked)
		}
	}
	return claims, nil
}

// Revoke puts a token ID on the denylist until the token would have expired
// anyway. Revoking an already expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, jti string, until time.Time) error {
	if s.revoked == nil {
		return ErrRevocationUnavailable
	}
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.revoked.Set(ctx, RevokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("auth: revoke %s: %w", jti, err)
	}
	s.log.Info().Str("jti", jti).Dur("ttl", ttl).Msg("token revoked")
	return nil
}
