package session

import "errors"

var (
	// ErrMalformedToken is returned when a presented credential fails structural
	// or signature validation before any store lookup.
	ErrMalformedToken = errors.New("malformed token")

	// ErrExpiredToken is returned when an access token carries a valid signature
	// but its expiry has passed. It is deliberately distinct from ErrMalformedToken.
	ErrExpiredToken = errors.New("token expired")

	// ErrRevokedOrReused is returned when a refresh token does not resolve to an
	// active record: unknown value, expired record, or a record already consumed
	// by rotation. Reuse of a rotated token is treated as a theft signal.
	ErrRevokedOrReused = errors.New("refresh token revoked or reused")

	// ErrNotFound is returned by stores when no row matches. Callers must keep it
	// distinct from ErrStoreUnavailable: the two have different user-facing outcomes.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when the backing store cannot be reached or
	// a query fails for infrastructure reasons. Safe for clients to retry.
	ErrStoreUnavailable = errors.New("token store unavailable")

	// ErrRotationInterrupted is returned when the presented refresh token was
	// retired but the replacement record could not be persisted. The caller has
	// effectively been logged out and must re-authenticate; retrying cannot succeed.
	ErrRotationInterrupted = errors.New("rotation interrupted")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid session config")
)
