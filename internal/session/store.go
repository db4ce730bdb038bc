package session

import (
	"context"
	"time"
)

// Record mirrors a refresh_tokens row.
//
// Only the HMAC/SHA-256 hash of the opaque refresh value is persisted; the
// plaintext exists solely in the response that delivered it to the client.
// Rows are never physically deleted so that rotation chains remain auditable.
type Record struct {
	ID         string
	UserID     string
	Email      string
	SessionID  string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	IsActive   bool
	LastUsedAt *time.Time
	DeviceInfo string
}

// Store abstracts persistence for refresh-token state.
//
// There are no in-process locks anywhere in the session subsystem: two
// concurrent rotations of the same token are arbitrated exclusively by
// DeactivateIfActive, which must transition at most one caller to true.
type Store interface {
	// Insert persists a new refresh-token row with IsActive=true.
	Insert(ctx context.Context, rec Record) error

	// FindByTokenHash loads a row by refresh hash regardless of active state.
	// Inactive rows are still returned so that reuse of a rotated token can be
	// recognized and attributed to its user. Missing rows yield ErrNotFound.
	FindByTokenHash(ctx context.Context, tokenHash string) (Record, error)

	// DeactivateIfActive conditionally retires a row: it returns true only if
	// exactly one active row was transitioned to inactive. A false return with
	// no error means another rotation already consumed the token.
	DeactivateIfActive(ctx context.Context, tokenHash string, now time.Time) (bool, error)

	// RevokeAllForUser deactivates every row belonging to userID.
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) error

	// TouchLastUsed updates last_used_at. Best-effort: callers log failures
	// and never propagate them.
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
}
