package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const accessTokenType = "user_access"

// KeySource supplies the symmetric key material used by the session subsystem.
//
// Implementations are expected to cache with a bounded TTL and tolerate cold
// starts: the hosting model may hand any request to a freshly started process,
// so a key must always be fetchable on demand.
type KeySource interface {
	// SigningKey returns the HMAC key used to sign and verify access tokens.
	SigningKey(ctx context.Context) ([]byte, error)

	// RefreshHashKey returns the HMAC key used to hash refresh tokens at rest.
	RefreshHashKey(ctx context.Context) ([]byte, error)
}

// AccessClaims is the fixed claim shape carried by access tokens.
//
// All custom fields are required; tokens missing any of them are rejected at
// decode time rather than handled defensively at call sites.
type AccessClaims struct {
	UserID    string `json:"uid"`
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Issuer mints signed access tokens and opaque refresh tokens.
//
// Access tokens use a single fixed HMAC scheme (HS256); there is no algorithm
// negotiation, which forecloses downgrade attacks. Issuer performs no
// persistence: storing refresh records is the caller's responsibility.
type Issuer struct {
	cfg  Config
	keys KeySource
}

// NewIssuer constructs an Issuer backed by the provided key source.
func NewIssuer(cfg Config, keys KeySource) *Issuer {
	return &Issuer{cfg: cfg, keys: keys}
}

// IssueAccess signs a short-lived access token for the given identity.
// Validity is proven solely by signature, expiry, and claim checks; the token
// is never persisted.
func (i *Issuer) IssueAccess(ctx context.Context, userID, email, sessionID string, now time.Time) (string, time.Time, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	exp := now.Add(i.cfg.AccessTokenTTL)
	claims := AccessClaims{
		UserID:    userID,
		Email:     email,
		SessionID: sessionID,
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// VerifyAccess checks signature, expiry, issuer, audience, and the required
// claim set. A signature-valid but expired token yields ErrExpiredToken, not
// ErrMalformedToken.
func (i *Issuer) VerifyAccess(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return AccessClaims{}, err
	}

	claims := &AccessClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.cfg.ClockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessClaims{}, ErrExpiredToken
		}
		return AccessClaims{}, ErrMalformedToken
	}

	if claims.TokenType != accessTokenType ||
		claims.UserID == "" || claims.Email == "" || claims.SessionID == "" || claims.ID == "" {
		return AccessClaims{}, ErrMalformedToken
	}

	return *claims, nil
}

// IssueRefresh generates a new opaque refresh token and its storage hash.
// The plaintext never touches the store.
func (i *Issuer) IssueRefresh(ctx context.Context, now time.Time) (plain, hashHex string, exp time.Time, err error) {
	key, err := i.keys.RefreshHashKey(ctx)
	if err != nil {
		return "", "", time.Time{}, err
	}

	plain, hashHex, err = newOpaqueRefreshToken(i.cfg.RefreshTokenBytes, key)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return plain, hashHex, now.Add(i.cfg.RefreshTokenTTL), nil
}

// RefreshHash recomputes the storage hash for a presented refresh token.
func (i *Issuer) RefreshHash(ctx context.Context, plain string) (string, error) {
	key, err := i.keys.RefreshHashKey(ctx)
	if err != nil {
		return "", err
	}
	return hashRefreshTokenHex(plain, key), nil
}
