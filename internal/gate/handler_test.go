package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"halo/internal/identity"
	"halo/internal/session"
)

type fakeKeys struct{}

func (fakeKeys) SigningKey(context.Context) ([]byte, error) {
	return []byte("0123456789abcdef0123456789abcdef"), nil
}

func (fakeKeys) RefreshHashKey(context.Context) ([]byte, error) {
	return []byte("fedcba9876543210fedcba9876543210"), nil
}

type fakeUpstream struct {
	requestOTPBody json.RawMessage
	requestOTPErr  error
	user           identity.User
	verifyErr      error
	sessionValid   bool
	sessionErr     error
}

func (f *fakeUpstream) RequestOTP(context.Context, string) (json.RawMessage, error) {
	if f.requestOTPErr != nil {
		return nil, f.requestOTPErr
	}
	if f.requestOTPBody != nil {
		return f.requestOTPBody, nil
	}
	return json.RawMessage(`{"success":true}`), nil
}

func (f *fakeUpstream) VerifyOTP(context.Context, string, string) (identity.User, error) {
	if f.verifyErr != nil {
		return identity.User{}, f.verifyErr
	}
	return f.user, nil
}

func (f *fakeUpstream) ValidateSession(context.Context, string) (bool, error) {
	return f.sessionValid, f.sessionErr
}

type testGate struct {
	mux      *http.ServeMux
	store    *session.MemoryStore
	sessions *session.Coordinator
	upstream *fakeUpstream
	cfg      Config
}

func newTestGate(t *testing.T) *testGate {
	t.Helper()
	store := session.NewMemoryStore()
	g := newTestGateWithStore(t, store)
	g.store = store
	return g
}

func newTestGateWithStore(t *testing.T, store session.Store) *testGate {
	t.Helper()

	sessCfg := session.DefaultConfig()
	sessCfg.ClockSkew = 0

	issuer := session.NewIssuer(sessCfg, fakeKeys{})
	coord := session.NewCoordinator(sessCfg, slog.Default(), issuer, store, nil)

	cfg := DefaultConfig()
	cfg.Cookies.Secure = false

	up := &fakeUpstream{user: identity.User{ID: "u1", Email: "u1@example.com"}}
	h := NewHandler(slog.Default(), cfg, coord, up, nil)

	mux := http.NewServeMux()
	h.Register(mux)

	return &testGate{mux: mux, sessions: coord, upstream: up, cfg: cfg}
}

func (g *testGate) do(method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	g.mux.ServeHTTP(rec, req)
	return rec
}

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestVerifyOTPIssuesSessionAndCookies(t *testing.T) {
	g := newTestGate(t)

	rec := g.do(http.MethodPost, "/auth/verify-otp", `{"email":"U1@Example.com","otp":"123456"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		User struct {
			ID        string `json:"id"`
			SessionID string `json:"session_id"`
		} `json:"user"`
		Tokens struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.User.ID != "u1" || resp.User.SessionID == "" {
		t.Fatalf("unexpected user: %+v", resp.User)
	}
	if resp.Tokens.AccessToken == "" || resp.Tokens.ExpiresIn <= 0 {
		t.Fatalf("unexpected tokens: %+v", resp.Tokens)
	}

	refresh := findCookie(t, rec, "refresh_token")
	if refresh == nil || refresh.Value == "" {
		t.Fatalf("missing refresh cookie")
	}
	if !refresh.HttpOnly {
		t.Fatalf("refresh cookie must be httpOnly")
	}
	if refresh.MaxAge <= 0 {
		t.Fatalf("refresh cookie max-age = %d", refresh.MaxAge)
	}

	flag := findCookie(t, rec, "authenticated")
	if flag == nil || flag.Value != "true" || flag.HttpOnly {
		t.Fatalf("bad authenticated cookie: %+v", flag)
	}
	info := findCookie(t, rec, "user_info")
	if info == nil || info.Value == "" || info.HttpOnly {
		t.Fatalf("bad user_info cookie: %+v", info)
	}

	if n := g.store.ActiveCountForUser("u1"); n != 1 {
		t.Fatalf("expected 1 active record, got %d", n)
	}
}

func TestRequestOTPValidation(t *testing.T) {
	g := newTestGate(t)

	rec := g.do(http.MethodPost, "/auth/request-otp", `{"email":"not-an-email"}`, nil)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "INVALID_EMAIL" {
		t.Fatalf("status = %d code = %s", rec.Code, errorCode(t, rec))
	}

	rec = g.do(http.MethodGet, "/auth/request-otp", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}

	rec = g.do(http.MethodPost, "/auth/request-otp", `{"email":"u1@example.com"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"success":true}` {
		t.Fatalf("body must pass through verbatim, got %s", got)
	}
}

func TestRequestOTPUpstreamPassthrough(t *testing.T) {
	g := newTestGate(t)
	g.upstream.requestOTPErr = &identity.UpstreamError{Status: http.StatusNotFound, Code: "user_not_found", Message: "no such account"}

	rec := g.do(http.MethodPost, "/auth/request-otp", `{"email":"u1@example.com"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("upstream status must pass through, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "USER_NOT_FOUND" {
		t.Fatalf("code = %s", code)
	}
}

func TestRequestOTPUpstreamUnavailable(t *testing.T) {
	g := newTestGate(t)
	g.upstream.requestOTPErr = identity.ErrUpstreamUnavailable

	rec := g.do(http.MethodPost, "/auth/request-otp", `{"email":"u1@example.com"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "UPSTREAM_UNAVAILABLE" {
		t.Fatalf("code = %s", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("503 must carry Retry-After")
	}
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	withCookie := func(v string) func(*http.Request) {
		return func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "refresh_token", Value: v})
		}
	}

	rec := g.do(http.MethodPost, "/auth/refresh", "", withCookie(pair.RefreshToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	rotated := findCookie(t, rec, "refresh_token")
	if rotated == nil || rotated.Value == "" || rotated.Value == pair.RefreshToken {
		t.Fatalf("expected a new refresh cookie")
	}

	// Replaying the consumed token must fail closed and clear the cookie set.
	rec = g.do(http.MethodPost, "/auth/refresh", "", withCookie(pair.RefreshToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "TOKEN_REVOKED" {
		t.Fatalf("replay code = %s", code)
	}
	cleared := findCookie(t, rec, "refresh_token")
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatalf("replay must clear the refresh cookie, got %+v", cleared)
	}

	// Cascade revoked the replacement too.
	rec = g.do(http.MethodPost, "/auth/refresh", "", withCookie(rotated.Value))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "TOKEN_REVOKED" {
		t.Fatalf("cascaded token: status = %d code = %s", rec.Code, errorCode(t, rec))
	}
}

func TestRefreshSilentAlias(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := g.do(http.MethodPost, "/auth/refresh-silent", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: pair.RefreshToken})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if c := findCookie(t, rec, "refresh_token"); c == nil || c.Value == pair.RefreshToken {
		t.Fatalf("alias must rotate like the canonical path")
	}
}

func TestRefreshMissingToken(t *testing.T) {
	g := newTestGate(t)

	rec := g.do(http.MethodPost, "/auth/refresh", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "MISSING_REFRESH_TOKEN" {
		t.Fatalf("code = %s", code)
	}
	if c := findCookie(t, rec, "refresh_token"); c == nil || c.MaxAge != -1 {
		t.Fatalf("missing token must still clear cookies")
	}
}

func TestRefreshMalformedToken(t *testing.T) {
	g := newTestGate(t)

	rec := g.do(http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "tooshort"})
	})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "INVALID_REFRESH_TOKEN" {
		t.Fatalf("status = %d code = %s", rec.Code, errorCode(t, rec))
	}
}

// faultStore wraps a Store with switchable failures on lookup and insert.
type faultStore struct {
	session.Store

	mu        sync.Mutex
	findErr   error
	insertErr error
}

func (s *faultStore) setFindErr(err error) {
	s.mu.Lock()
	s.findErr = err
	s.mu.Unlock()
}

func (s *faultStore) setInsertErr(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

func (s *faultStore) FindByTokenHash(ctx context.Context, tokenHash string) (session.Record, error) {
	s.mu.Lock()
	err := s.findErr
	s.mu.Unlock()
	if err != nil {
		return session.Record{}, err
	}
	return s.Store.FindByTokenHash(ctx, tokenHash)
}

func (s *faultStore) Insert(ctx context.Context, rec session.Record) error {
	s.mu.Lock()
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Insert(ctx, rec)
}

func TestRefreshStoreUnavailableIsRetryable(t *testing.T) {
	mem := session.NewMemoryStore()
	fs := &faultStore{Store: mem}
	g := newTestGateWithStore(t, fs)
	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	withCookie := func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: pair.RefreshToken})
	}

	fs.setFindErr(fmt.Errorf("%w: injected outage", session.ErrStoreUnavailable))

	rec := g.do(http.MethodPost, "/auth/refresh", "", withCookie)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "STORE_UNAVAILABLE" {
		t.Fatalf("code = %s", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("retryable outage must carry Retry-After")
	}
	// An infrastructure fault is not a verdict on the credential: the cookie
	// set must be left alone so the client can retry with the same token.
	if c := findCookie(t, rec, "refresh_token"); c != nil {
		t.Fatalf("outage must not touch cookies, got %+v", c)
	}
	if n := mem.ActiveCountForUser("u1"); n != 1 {
		t.Fatalf("token must stay active through the outage, got %d", n)
	}

	// Once the store recovers, the same token rotates normally.
	fs.setFindErr(nil)
	rec = g.do(http.MethodPost, "/auth/refresh", "", withCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry after recovery: status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshInterruptedTerminatesSession(t *testing.T) {
	mem := session.NewMemoryStore()
	fs := &faultStore{Store: mem}
	g := newTestGateWithStore(t, fs)
	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The presented token is retired before the replacement insert fails, so
	// the failure is terminal for the session, not retryable.
	fs.setInsertErr(fmt.Errorf("%w: injected outage", session.ErrStoreUnavailable))

	rec := g.do(http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: pair.RefreshToken})
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "SESSION_TERMINATED" {
		t.Fatalf("code = %s", code)
	}
	if c := findCookie(t, rec, "refresh_token"); c == nil || c.MaxAge != -1 {
		t.Fatalf("terminated session must clear cookies, got %+v", c)
	}
	if n := mem.ActiveCountForUser("u1"); n != 0 {
		t.Fatalf("consumed token must stay retired, got %d active", n)
	}
}

func TestRefreshBearerPrecedence(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The bearer header carries the live token; the cookie holds a stale value.
	// The header must win, so rotation succeeds.
	rec := g.do(http.MethodPost, "/auth/refresh", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestLogoutIdempotent(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	assertLogoutOK := func(t *testing.T, rec *httptest.ResponseRecorder) {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		var resp struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.Success {
			t.Fatalf("body = %s err = %v", rec.Body.String(), err)
		}
		for _, name := range []string{"refresh_token", "authenticated", "user_info"} {
			if c := findCookie(t, rec, name); c == nil || c.MaxAge != -1 {
				t.Fatalf("cookie %s not cleared: %+v", name, c)
			}
		}
	}

	t.Run("no credential", func(t *testing.T) {
		assertLogoutOK(t, g.do(http.MethodPost, "/auth/logout", "", nil))
	})

	t.Run("refresh cookie", func(t *testing.T) {
		pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		assertLogoutOK(t, g.do(http.MethodPost, "/auth/logout", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "refresh_token", Value: pair.RefreshToken})
		}))
		if n := g.store.ActiveCountForUser("u1"); n != 0 {
			t.Fatalf("expected full revocation, %d active", n)
		}
	})

	t.Run("bearer access token", func(t *testing.T) {
		pair, err := g.sessions.Issue(ctx, now, "u2", "u2@example.com", "")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		assertLogoutOK(t, g.do(http.MethodPost, "/auth/logout", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}))
		if n := g.store.ActiveCountForUser("u2"); n != 0 {
			t.Fatalf("expected full revocation, %d active", n)
		}
	})

	t.Run("garbage credential", func(t *testing.T) {
		assertLogoutOK(t, g.do(http.MethodPost, "/auth/logout", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "nonsense"})
		}))
	})
}

func TestValidateSessionModes(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	decode := func(t *testing.T, rec *httptest.ResponseRecorder) (resp struct {
		Valid  bool   `json:"valid"`
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
	}) {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("validate-session must always be 200, got %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	pair, err := g.sessions.Issue(ctx, now, "u1", "u1@example.com", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	t.Run("bearer verified", func(t *testing.T) {
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}))
		if !resp.Valid || resp.Mode != "verified" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("expired bearer", func(t *testing.T) {
		old, err := g.sessions.Issue(ctx, now.Add(-time.Hour), "u1", "u1@example.com", "")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+old.AccessToken)
		}))
		if resp.Valid || resp.Reason != "EXPIRED_TOKEN" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("malformed bearer", func(t *testing.T) {
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer junk.junk.junk")
		}))
		if resp.Valid || resp.Reason != "INVALID_TOKEN" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("cookie only", func(t *testing.T) {
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "user_info", Value: "%7B%22id%22%3A%22u1%22%7D"})
		}))
		if !resp.Valid || resp.Mode != "cookie" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("privileged ignores cookie mode", func(t *testing.T) {
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("X-Halo-Privileged", "true")
			r.AddCookie(&http.Cookie{Name: "user_info", Value: "%7B%22id%22%3A%22u1%22%7D"})
		}))
		if resp.Valid || resp.Reason != "MISSING_CREDENTIAL" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("privileged rejected upstream", func(t *testing.T) {
		g.upstream.sessionValid = false
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("X-Halo-Privileged", "true")
			r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}))
		if resp.Valid || resp.Reason != "UPSTREAM_REJECTED" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("privileged accepted upstream", func(t *testing.T) {
		g.upstream.sessionValid = true
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", func(r *http.Request) {
			r.Header.Set("X-Halo-Privileged", "true")
			r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}))
		if !resp.Valid || resp.Mode != "verified" {
			t.Fatalf("resp = %+v", resp)
		}
	})

	t.Run("no credential", func(t *testing.T) {
		resp := decode(t, g.do(http.MethodPost, "/auth/validate-session", "", nil))
		if resp.Valid || resp.Reason != "MISSING_CREDENTIAL" {
			t.Fatalf("resp = %+v", resp)
		}
	})
}

func TestThrottleNilAllows(t *testing.T) {
	var tr *RedisThrottle
	if !tr.Allow(context.Background(), "email:x@example.com", 3) {
		t.Fatalf("nil throttle must fail open")
	}
	if NewRedisThrottle(nil, time.Minute, "p") != nil {
		t.Fatalf("nil client must yield a nil throttle")
	}
}

func TestEmailValid(t *testing.T) {
	good := []string{"a@b.co", "user.name+tag@example.com"}
	bad := []string{"", "nodomain", "@x.com", "a@", "a@nodot", "a@b@c.com"}
	for _, e := range good {
		if !emailValid(e) {
			t.Fatalf("%q should be valid", e)
		}
	}
	for _, e := range bad {
		if emailValid(e) {
			t.Fatalf("%q should be invalid", e)
		}
	}
}
