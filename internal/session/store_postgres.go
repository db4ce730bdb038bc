package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (refresh_tokens).
//
// Rotation safety does not rely on row locks or transactions: the conditional
// UPDATE in DeactivateIfActive is the single arbitration point, so any two
// processes racing on one token resolve to exactly one winner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh-token store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert persists a new refresh-token row.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, email, session_id, token_hash,
			issued_at, expires_at, is_active, last_used_at, device_info
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, TRUE, NULL, $8
		)
	`, rec.ID, rec.UserID, rec.Email, rec.SessionID, rec.TokenHash,
		rec.IssuedAt, rec.ExpiresAt, nullIfEmpty(rec.DeviceInfo))
	if err != nil {
		return fmt.Errorf("%w: insert: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// FindByTokenHash loads a row by refresh hash, active or not.
func (s *PostgresStore) FindByTokenHash(ctx context.Context, tokenHash string) (Record, error) {
	var rec Record
	var device *string

	err := s.pool.QueryRow(ctx, `
		SELECT
			id, user_id, email, session_id, token_hash,
			issued_at, expires_at, is_active, last_used_at, device_info
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Email,
		&rec.SessionID,
		&rec.TokenHash,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.IsActive,
		&rec.LastUsedAt,
		&device,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: find: %w", ErrStoreUnavailable, err)
	}

	if device != nil {
		rec.DeviceInfo = *device
	}
	return rec, nil
}

// DeactivateIfActive retires a row iff it is still active.
func (s *PostgresStore) DeactivateIfActive(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE,
		    last_used_at = $2
		WHERE token_hash = $1 AND is_active = TRUE
	`, tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("%w: deactivate: %w", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAllForUser deactivates every row for a user (idempotent).
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET is_active = FALSE,
		    last_used_at = COALESCE(last_used_at, $2)
		WHERE user_id = $1 AND is_active = TRUE
	`, userID, now)
	if err != nil {
		return fmt.Errorf("%w: revoke all: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// TouchLastUsed updates last_used_at for a row.
func (s *PostgresStore) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET last_used_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("%w: touch: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
