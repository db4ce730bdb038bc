// Package secrets fetches and caches the signing key and upstream API key.
//
// A Provider talks to the secret backend; Cache wraps it with a bounded TTL
// so that any request, including one landing on a freshly started process,
// can obtain key material without assuming warm state.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretUnavailable is returned when a secret cannot be fetched.
// Fatal for the calling request; not retried in-process.
var ErrSecretUnavailable = errors.New("secret unavailable")

// Provider fetches a named secret from a backend.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from environment variables, for development
// and tests. A secret named "halo/master-key" maps to HALO_SECRET_MASTER_KEY.
type EnvProvider struct{}

// GetSecret reads the mapped environment variable.
func (EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	v := strings.TrimSpace(os.Getenv(envKeyForSecret(name)))
	if v == "" {
		return "", fmt.Errorf("%w: env %s not set", ErrSecretUnavailable, envKeyForSecret(name))
	}
	return v, nil
}

func envKeyForSecret(name string) string {
	name = strings.TrimPrefix(name, "halo/")
	name = strings.ToUpper(name)
	name = strings.NewReplacer("-", "_", "/", "_", ".", "_").Replace(name)
	return "HALO_SECRET_" + name
}

// StaticProvider serves secrets from a fixed map. Test helper.
type StaticProvider map[string]string

// GetSecret returns the mapped value or ErrSecretUnavailable.
func (p StaticProvider) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := p[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretUnavailable, name)
	}
	return v, nil
}
