package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and DB-less dev mode.
//
// It honors the same conditional-update contract as PostgresStore: the mutex
// scope of DeactivateIfActive makes the check-and-retire transition atomic.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Record // keyed by token hash
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Record)}
}

// Insert persists a new refresh-token row.
func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := rec
	s.rows[rec.TokenHash] = &cp
	return nil
}

// FindByTokenHash loads a row by refresh hash, active or not.
func (s *MemoryStore) FindByTokenHash(_ context.Context, tokenHash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[tokenHash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// DeactivateIfActive retires a row iff it is still active.
func (s *MemoryStore) DeactivateIfActive(_ context.Context, tokenHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[tokenHash]
	if !ok || !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	t := now
	rec.LastUsedAt = &t
	return true, nil
}

// RevokeAllForUser deactivates every row for a user.
func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.rows {
		if rec.UserID == userID && rec.IsActive {
			rec.IsActive = false
			if rec.LastUsedAt == nil {
				t := now
				rec.LastUsedAt = &t
			}
		}
	}
	return nil
}

// TouchLastUsed updates last_used_at for a row.
func (s *MemoryStore) TouchLastUsed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.rows {
		if rec.ID == id {
			t := now
			rec.LastUsedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

// ActiveCountForUser reports active rows for a user. Test helper.
func (s *MemoryStore) ActiveCountForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.rows {
		if rec.UserID == userID && rec.IsActive {
			n++
		}
	}
	return n
}
