package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identity is the minimal user projection carried alongside a token pair.
type Identity struct {
	UserID    string
	Email     string
	SessionID string
}

// Pair is the result of issuing or rotating session credentials.
type Pair struct {
	Identity Identity

	AccessToken string
	AccessExp   time.Time

	RefreshToken string
	RefreshExp   time.Time
}

// Coordinator orchestrates the credential lifecycle: first issuance after
// identity verification, refresh rotation with reuse detection, and
// revocation. All cross-request coordination happens through the store's
// conditional-update primitive; the Coordinator itself holds no mutable state.
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	issuer  *Issuer
	store   Store
	metrics *Metrics
}

// NewCoordinator constructs a Coordinator. A nil metrics disables instrumentation.
func NewCoordinator(cfg Config, log *slog.Logger, issuer *Issuer, store Store, metrics *Metrics) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{cfg: cfg, log: log, issuer: issuer, store: store, metrics: metrics}
}

// Issue mints a fresh access/refresh pair for a newly verified identity and
// persists the refresh record. A new session ID links the pair and every
// rotation descended from it.
func (c *Coordinator) Issue(ctx context.Context, now time.Time, userID, email, deviceInfo string) (Pair, error) {
	sessionID := ulid.Make().String()
	return c.mint(ctx, now, Identity{UserID: userID, Email: email, SessionID: sessionID}, deviceInfo, false)
}

// Rotate validates a presented refresh token, atomically retires it, and
// issues its replacement under the same session ID.
//
// Concurrency model: two callers racing on the same token both reach
// DeactivateIfActive; exactly one observes true. The loser is treated as a
// reuse signal, not a transient error, and (per policy) cascades revocation
// of the user's remaining tokens.
func (c *Coordinator) Rotate(ctx context.Context, now time.Time, presented, deviceInfo string) (Pair, error) {
	presented = strings.TrimSpace(presented)
	if !plausibleRefreshToken(presented) {
		c.count("rotate", "malformed")
		return Pair{}, ErrMalformedToken
	}

	hash, err := c.issuer.RefreshHash(ctx, presented)
	if err != nil {
		return Pair{}, err
	}

	rec, err := c.store.FindByTokenHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		c.count("rotate", "unknown")
		return Pair{}, ErrRevokedOrReused
	}
	if err != nil {
		c.count("rotate", "store_error")
		return Pair{}, err
	}

	// A retired token presented again is the canonical theft signal.
	if !rec.IsActive {
		c.onReuse(ctx, now, rec)
		return Pair{}, ErrRevokedOrReused
	}
	if !rec.ExpiresAt.After(now) {
		c.count("rotate", "expired")
		return Pair{}, ErrRevokedOrReused
	}

	ok, err := c.store.DeactivateIfActive(ctx, hash, now)
	if err != nil {
		c.count("rotate", "store_error")
		return Pair{}, err
	}
	if !ok {
		// Lost the race: a concurrent rotation consumed this token first.
		c.onReuse(ctx, now, rec)
		return Pair{}, ErrRevokedOrReused
	}

	pair, err := c.mint(ctx, now, Identity{UserID: rec.UserID, Email: rec.Email, SessionID: rec.SessionID}, deviceInfo, true)
	if err != nil {
		// The old token is already inactive; the caller is effectively logged
		// out and must re-authenticate. Silent retry cannot succeed.
		c.count("rotate", "interrupted")
		return Pair{}, fmt.Errorf("%w: %w", ErrRotationInterrupted, err)
	}

	c.count("rotate", "ok")
	return pair, nil
}

// ValidateAccess verifies an access token. Per the revocation model, access
// validity never consults the store: short lifetimes are the only revocation
// mechanism for access tokens.
func (c *Coordinator) ValidateAccess(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	return c.issuer.VerifyAccess(ctx, token, now)
}

// RevokeByToken retires the record matching a presented refresh token and, when
// cascade is requested, every other token of the same user. Unknown or already
// inactive tokens are not errors: revocation is idempotent.
func (c *Coordinator) RevokeByToken(ctx context.Context, now time.Time, presented string, cascade bool) error {
	presented = strings.TrimSpace(presented)
	if !plausibleRefreshToken(presented) {
		return nil
	}

	hash, err := c.issuer.RefreshHash(ctx, presented)
	if err != nil {
		return err
	}

	rec, err := c.store.FindByTokenHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if cascade {
		if err := c.store.RevokeAllForUser(ctx, rec.UserID, now); err != nil {
			return err
		}
		c.count("revoke", "user")
		return nil
	}

	if _, err := c.store.DeactivateIfActive(ctx, hash, now); err != nil {
		return err
	}
	c.count("revoke", "token")
	return nil
}

// RevokeAllForUser deactivates every refresh token the user holds.
func (c *Coordinator) RevokeAllForUser(ctx context.Context, now time.Time, userID string) error {
	if err := c.store.RevokeAllForUser(ctx, userID, now); err != nil {
		return err
	}
	c.count("revoke", "user")
	return nil
}

// Touch records token usage. Best-effort: failures are logged, never propagated.
func (c *Coordinator) Touch(ctx context.Context, now time.Time, recordID string) {
	if err := c.store.TouchLastUsed(ctx, recordID, now); err != nil {
		c.log.Warn("session.touch.fail", "record_id", recordID, "err", err)
	}
}

// TouchByToken records usage of the record matching a presented refresh token.
// Best-effort like Touch; it never changes a validation verdict.
func (c *Coordinator) TouchByToken(ctx context.Context, now time.Time, presented string) {
	presented = strings.TrimSpace(presented)
	if !plausibleRefreshToken(presented) {
		return
	}
	hash, err := c.issuer.RefreshHash(ctx, presented)
	if err != nil {
		return
	}
	rec, err := c.store.FindByTokenHash(ctx, hash)
	if err != nil {
		return
	}
	c.Touch(ctx, now, rec.ID)
}

func (c *Coordinator) mint(ctx context.Context, now time.Time, id Identity, deviceInfo string, rotation bool) (Pair, error) {
	access, accessExp, err := c.issuer.IssueAccess(ctx, id.UserID, id.Email, id.SessionID, now)
	if err != nil {
		return Pair{}, err
	}

	refreshPlain, refreshHash, refreshExp, err := c.issuer.IssueRefresh(ctx, now)
	if err != nil {
		return Pair{}, err
	}

	rec := Record{
		ID:         ulid.Make().String(),
		UserID:     id.UserID,
		Email:      id.Email,
		SessionID:  id.SessionID,
		TokenHash:  refreshHash,
		IssuedAt:   now,
		ExpiresAt:  refreshExp,
		IsActive:   true,
		DeviceInfo: deviceInfo,
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		return Pair{}, err
	}

	if !rotation {
		c.count("issue", "ok")
	}

	return Pair{
		Identity:     id,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   refreshExp,
	}, nil
}

func (c *Coordinator) onReuse(ctx context.Context, now time.Time, rec Record) {
	c.count("rotate", "reuse")
	if c.metrics != nil {
		c.metrics.ReuseDetected.Inc()
	}
	c.log.Warn("session.rotate.reuse_detected",
		"user_id", rec.UserID, "session_id", rec.SessionID, "record_id", rec.ID)

	if !c.cfg.CascadeOnReuse {
		return
	}
	if err := c.store.RevokeAllForUser(ctx, rec.UserID, now); err != nil {
		// The presented token stays dead either way; the cascade is defense in depth.
		c.log.Error("session.rotate.cascade.fail", "user_id", rec.UserID, "err", err)
	}
}

func (c *Coordinator) count(op, result string) {
	if c.metrics != nil {
		c.metrics.Operations.WithLabelValues(op, result).Inc()
	}
}

// plausibleRefreshToken bounds input before any crypto or store work.
// Opaque tokens are base64url; anything outside sane length bounds is rejected.
func plausibleRefreshToken(s string) bool {
	if len(s) < 16 || len(s) > 4096 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
