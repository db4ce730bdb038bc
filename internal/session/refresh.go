package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

func newOpaqueRefreshToken(nBytes int, hashKey []byte) (plain string, hashHex string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	// URL-safe, no padding.
	plain = base64.RawURLEncoding.EncodeToString(b)

	return plain, hashRefreshTokenHex(plain, hashKey), nil
}

// hashRefreshTokenHex hashes refresh tokens for server-side storage.
// With a key it uses HMAC-SHA256; without one it falls back to plain SHA-256.
// Production key sources always supply a key; the fallback exists for dev mode.
func hashRefreshTokenHex(plain string, key []byte) string {
	if len(key) == 0 {
		sum := sha256.Sum256([]byte(plain))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(plain))
	return hex.EncodeToString(m.Sum(nil))
}
