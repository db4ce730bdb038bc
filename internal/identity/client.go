// Package identity is the client for the upstream identity-proof API.
//
// The upstream owns users and one-time codes; halo only consumes its
// verification results. All calls carry a static API key fetched through the
// secret cache and explicit timeouts so a hung upstream degrades to an error
// instead of blocking the request.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"halo/internal/secrets"
)

// ErrUpstreamUnavailable is returned when the upstream cannot be reached or
// returns an unreadable response. Safe for clients to retry.
var ErrUpstreamUnavailable = errors.New("upstream identity service unavailable")

// User is the external identity projection returned by the upstream.
// Referenced, never mutated here.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UpstreamError carries an upstream failure whose status passes through to
// the caller verbatim.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream identity: status=%d code=%s %s", e.Status, e.Code, e.Message)
}

// Client calls the upstream identity API over HTTP.
type Client struct {
	baseURL    string
	apiKeyName string
	secrets    *secrets.Cache
	httpClient *http.Client
}

// NewClient constructs a Client. apiKeyName is the secret holding the static
// API key. A nil httpClient gets a default with a bounded overall timeout.
func NewClient(baseURL, apiKeyName string, cache *secrets.Cache, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKeyName: apiKeyName,
		secrets:    cache,
		httpClient: httpClient,
	}
}

type requestOTPBody struct {
	Email string `json:"email"`
}

type verifyOTPBody struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type verifyOTPResponse struct {
	User User `json:"user"`
}

type validateSessionBody struct {
	AccessToken string `json:"access_token"`
}

type validateSessionResponse struct {
	Valid bool `json:"valid"`
}

type upstreamErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RequestOTP asks the upstream to deliver a one-time code to email.
// The upstream response body is returned opaquely for pass-through.
func (c *Client) RequestOTP(ctx context.Context, email string) (json.RawMessage, error) {
	body, status, err := c.post(ctx, "/auth/request-otp", requestOTPBody{Email: email})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, upstreamError(status, body)
	}
	return body, nil
}

// VerifyOTP verifies a one-time code and returns the proven identity.
func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (User, error) {
	body, status, err := c.post(ctx, "/auth/verify-otp", verifyOTPBody{Email: email, OTP: otp})
	if err != nil {
		return User{}, err
	}
	if status != http.StatusOK {
		return User{}, upstreamError(status, body)
	}

	var resp verifyOTPResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return User{}, fmt.Errorf("%w: decode verify response: %w", ErrUpstreamUnavailable, err)
	}
	if resp.User.ID == "" || resp.User.Email == "" {
		return User{}, fmt.Errorf("%w: verify response missing user", ErrUpstreamUnavailable)
	}
	return resp.User, nil
}

// ValidateSession asks the upstream whether it still considers the session
// live. Used before privileged operations; local signature checks suffice for
// low-stakes reads.
func (c *Client) ValidateSession(ctx context.Context, accessToken string) (bool, error) {
	body, status, err := c.post(ctx, "/auth/validate-session", validateSessionBody{AccessToken: accessToken})
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, upstreamError(status, body)
	}

	var resp validateSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("%w: decode validate response: %w", ErrUpstreamUnavailable, err)
	}
	return resp.Valid, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, int, error) {
	apiKey, err := c.secrets.Get(ctx, c.apiKeyName)
	if err != nil {
		return nil, 0, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read %s response: %w", ErrUpstreamUnavailable, path, err)
	}
	return body, resp.StatusCode, nil
}

func upstreamError(status int, body []byte) error {
	var e upstreamErrorBody
	_ = json.Unmarshal(body, &e)
	code := e.Error.Code
	if code == "" {
		code = "upstream_error"
	}
	return &UpstreamError{Status: status, Code: code, Message: e.Error.Message}
}
