package secrets

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const derivedKeyBytes = 32

// Keyring derives the session subsystem's symmetric keys from one master
// secret. Separate HKDF info strings keep the access-token signing key and
// the refresh-hash key cryptographically independent, so rotating or leaking
// one never weakens the other.
type Keyring struct {
	cache      *Cache
	secretName string
}

// NewKeyring builds a Keyring reading the master secret through cache.
func NewKeyring(cache *Cache, secretName string) *Keyring {
	return &Keyring{cache: cache, secretName: secretName}
}

// SigningKey returns the HMAC key for access-token signing.
func (k *Keyring) SigningKey(ctx context.Context) ([]byte, error) {
	return k.derive(ctx, "halo/v1/access-signing")
}

// RefreshHashKey returns the HMAC key for refresh-token hashing at rest.
func (k *Keyring) RefreshHashKey(ctx context.Context) ([]byte, error) {
	return k.derive(ctx, "halo/v1/refresh-hash")
}

func (k *Keyring) derive(ctx context.Context, info string) ([]byte, error) {
	master, err := k.cache.Get(ctx, k.secretName)
	if err != nil {
		return nil, err
	}

	r := hkdf.New(sha256.New, []byte(master), nil, []byte(info))
	key := make([]byte, derivedKeyBytes)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %w", ErrSecretUnavailable, err)
	}
	return key, nil
}
