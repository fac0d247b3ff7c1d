// Package otp issues and checks short-lived one-time codes backed by Redis.
// Codes and attempt counters are simple keys with TTL-based expiry:
//
//	Key:   otp:code:<address>      Value: <6-digit code>   TTL: code lifetime
//	Key:   otp:attempts:<address>  Value: <failed checks>  TTL: code lifetime
//
// Delivering the code to the address is someone else's job; see
// messaging.SubjectCodeDelivery.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CodePrefix is the Redis key prefix for pending codes. It must not be a
	// prefix of AttemptsPrefix.
	CodePrefix = "otp:code:"

	// AttemptsPrefix is the Redis key prefix for failed verification counters.
	AttemptsPrefix = "otp:attempts:"

	// CodeLength is the number of digits in a code.
	CodeLength = 6

	// DefaultTTL is how long an issued code stays valid.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxAttempts is how many wrong codes are tolerated per issued code.
	DefaultMaxAttempts = 5
)

var (
	// ErrCodeNotFound means no code is pending for the address, either
	// because none was issued or because it expired or was consumed.
	ErrCodeNotFound = errors.New("otp: no pending code")

	// ErrCodeMismatch means the submitted code is wrong.
	ErrCodeMismatch = errors.New("otp: code mismatch")

	// ErrTooManyAttempts means the pending code was burned by repeated
	// wrong guesses; a new one must be issued.
	ErrTooManyAttempts = errors.New("otp: too many attempts")

	// ErrInvalidAddress is returned for an address that cannot receive codes.
	ErrInvalidAddress = errors.New("otp: invalid address")
)

// Store manages one-time codes in Redis.
type Store struct {
	client      redis.Cmdable
	ttl         time.Duration
	maxAttempts int
}

// NewStore creates a store with the given code lifetime and attempt cap.
// Non-positive values select the defaults.
func NewStore(client redis.Cmdable, ttl time.Duration, maxAttempts int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Store{client: client, ttl: ttl, maxAttempts: maxAttempts}
}

// NormalizeAddress lower-cases and trims an e-mail style address. The result
// doubles as the UserID of the verified account.
func NormalizeAddress(address string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndexByte(a, '@')
	if at <= 0 || at == len(a)-1 || strings.ContainsAny(a, " \t\r\n") || len(a) > 254 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return a, nil
}

// Issue creates a fresh code for address, replacing any pending one and
// resetting its attempt counter.
func (s *Store) Issue(ctx context.Context, address string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, CodePrefix+address, code, s.ttl)
	pipe.Del(ctx, AttemptsPrefix+address)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("otp: store code: %w", err)
	}
	return code, nil
}

// Verify checks code against the pending one. A correct code is consumed so
// it cannot be replayed. Every wrong guess counts towards the attempt cap;
// reaching it deletes the pending code.
func (s *Store) Verify(ctx context.Context, address, code string) error {
	attempts, err := s.client.Get(ctx, AttemptsPrefix+address).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("otp: read attempts: %w", err)
	}
	if attempts >= s.maxAttempts {
		return ErrTooManyAttempts
	}

	want, err := s.client.Get(ctx, CodePrefix+address).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("otp: read code: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimSpace(code))) == 1 {
		// GETDEL makes a concurrent second use of the same code miss.
		if err := s.client.GetDel(ctx, CodePrefix+address).Err(); errors.Is(err, redis.Nil) {
			return ErrCodeNotFound
		} else if err != nil {
			return fmt.Errorf("otp: consume code: %w", err)
		}
		s.client.Del(ctx, AttemptsPrefix+address)
		return nil
	}

	n, err := s.client.Incr(ctx, AttemptsPrefix+address).Result()
	if err != nil {
		return fmt.Errorf("otp: count attempt: %w", err)
	}
	if n == 1 {
		s.client.Expire(ctx, AttemptsPrefix+address, s.ttl)
	}
	if int(n) >= s.maxAttempts {
		s.client.Del(ctx, CodePrefix+address)
		return ErrTooManyAttempts
	}
	return ErrCodeMismatch
}

func generateCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
