// Package auth verifies the identity behind every meet request. Identities are
// carried in HS256 JWTs whose subject is the UserID; individual tokens can be
// revoked before they expire through a Redis denylist keyed by token ID.
//
// Every rejection wraps ErrRejected together with a reason, so adapters can
// map the whole family to 401 with a single check:
//
//	if errors.Is(err, auth.ErrRejected) {
//	    c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
//	}
package auth

import "errors"

var (
	// ErrRejected is wrapped by every verification failure.
	// HTTP Status: 401 Unauthorized
	ErrRejected = errors.New("auth: identity rejected")

	// ErrTokenMalformed indicates a token that does not parse, has a bad
	// signature, the wrong algorithm or issuer, or no subject.
	ErrTokenMalformed = errors.New("auth: token malformed")

	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenRevoked indicates a token whose ID is on the denylist.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrNoSecret is returned by NewService for an empty signing secret.
	ErrNoSecret = errors.New("auth: signing secret is empty")

	// ErrRevocationUnavailable is returned by Revoke when no Redis client
	// was configured.
	ErrRevocationUnavailable = errors.New("auth: revocation store unavailable")
)

// rejected joins ErrRejected with a reason so both match errors.Is.
func rejected(reason error) error {
	return errors.Join(ErrRejected, reason)
}
