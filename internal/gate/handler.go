// Package gate is the HTTP-facing session layer.
//
// It composes the upstream identity client, the session coordinator, and the
// cookie policy into the endpoint set the browser talks to: request-otp,
// verify-otp, refresh, logout, and validate-session. One canonical
// implementation per responsibility; environment differences live in Config.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"halo/internal/identity"
	"halo/internal/secrets"
	"halo/internal/session"
)

// IdentityClient is the upstream identity-proof API surface the gate consumes.
type IdentityClient interface {
	RequestOTP(ctx context.Context, email string) (json.RawMessage, error)
	VerifyOTP(ctx context.Context, email, otp string) (identity.User, error)
	ValidateSession(ctx context.Context, accessToken string) (bool, error)
}

// Handler wires HTTP session endpoints to the coordinator and upstream.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Coordinator
	upstream IdentityClient
	throttle *RedisThrottle
}

// NewHandler constructs a gate Handler. throttle may be nil (no throttling).
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Coordinator, upstream IdentityClient, throttle *RedisThrottle) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, cfg: cfg, sessions: sessions, upstream: upstream, throttle: throttle}
}

// Register wires session routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/request-otp", h.handleRequestOTP)
	mux.HandleFunc("/auth/verify-otp", h.handleVerifyOTP)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	// Alias kept for older clients; same canonical rotation path and TTLs.
	mux.HandleFunc("/auth/refresh-silent", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/validate-session", h.handleValidateSession)
}

// ---- handlers ----

func (h *Handler) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req requestOTPRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !emailValid(email) {
		writeError(w, http.StatusBadRequest, "INVALID_EMAIL", "a valid email is required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	if !h.throttle.Allow(ctx, "email:"+email, h.cfg.OTPPerEmail) ||
		!h.throttle.Allow(ctx, "ip:"+ip.String(), h.cfg.OTPPerIP) {
		writeRetryable(w, http.StatusTooManyRequests, h.cfg.OTPWindow, "OTP_RATE_LIMITED", "too many code requests")
		return
	}

	body, err := h.upstream.RequestOTP(ctx, email)
	if err != nil {
		h.writeUpstreamError(w, "gate.request_otp", err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifyOTPRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	otp := strings.TrimSpace(req.OTP)
	if !emailValid(email) || otp == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "email and otp are required")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	user, err := h.upstream.VerifyOTP(ctx, email, otp)
	if err != nil {
		h.writeUpstreamError(w, "gate.verify_otp", err)
		return
	}

	pair, err := h.sessions.Issue(ctx, now, user.ID, user.Email, deviceInfo(r))
	if err != nil {
		h.writeIssueError(w, "gate.verify_otp.issue", err)
		return
	}

	h.setSessionCookies(w, now, pair)
	writeJSON(w, http.StatusOK, verifyOTPResponse{
		User:   toUserResponse(pair.Identity),
		Tokens: toTokensResponse(pair, now),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token, src := ExtractCredential(r, h.cfg.Cookies.RefreshName)
	if src == SourceNone {
		h.clearSessionCookies(w)
		writeError(w, http.StatusUnauthorized, "MISSING_REFRESH_TOKEN", "no refresh token presented")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	pair, err := h.sessions.Rotate(ctx, now, token, deviceInfo(r))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMalformedToken):
			h.clearSessionCookies(w)
			writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is not valid")
		case errors.Is(err, session.ErrRevokedOrReused):
			h.clearSessionCookies(w)
			writeError(w, http.StatusUnauthorized, "TOKEN_REVOKED", "refresh token revoked or already used")
		case errors.Is(err, session.ErrRotationInterrupted):
			// The presented token is already retired; a retry cannot succeed.
			h.log.Error("gate.refresh.interrupted", "err", err)
			h.clearSessionCookies(w)
			writeError(w, http.StatusUnauthorized, "SESSION_TERMINATED", "session ended, sign in again")
		case errors.Is(err, session.ErrStoreUnavailable):
			h.log.Error("gate.refresh.store", "err", err)
			writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "STORE_UNAVAILABLE", "please retry")
		case errors.Is(err, secrets.ErrSecretUnavailable):
			h.log.Error("gate.refresh.secret", "err", err)
			writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "SECRET_UNAVAILABLE", "please retry")
		default:
			h.log.Error("gate.refresh.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
		}
		return
	}

	h.setSessionCookies(w, now, pair)
	writeJSON(w, http.StatusOK, refreshResponse{Tokens: toTokensResponse(pair, now)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Cookie clearing is unconditional and happens before any revoke work:
	// losing local session state must always succeed even when the remote
	// record cannot be updated.
	h.clearSessionCookies(w)

	ctx := r.Context()
	now := time.Now().UTC()

	token, src := ExtractCredential(r, h.cfg.Cookies.RefreshName)
	switch src {
	case SourceBearer:
		// A bearer credential is an access token: verify locally and, if it
		// names a user, revoke everything they hold.
		if claims, err := h.sessions.ValidateAccess(ctx, token, now); err == nil {
			if err := h.sessions.RevokeAllForUser(ctx, now, claims.UserID); err != nil {
				h.log.Warn("gate.logout.revoke_all.fail", "user_id", claims.UserID, "err", err)
			}
		}
	case SourceCookie, SourceRawHeader:
		if err := h.sessions.RevokeByToken(ctx, now, token, true); err != nil {
			h.log.Warn("gate.logout.revoke.fail", "err", err)
		}
	case SourceNone:
		// Nothing to revoke; logout still succeeds.
	}

	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

func (h *Handler) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Never an error status: UI code treats "call succeeded, session invalid"
	// and "call failed" uniformly as not authenticated.
	writeJSON(w, http.StatusOK, h.validateSession(r))
}

func (h *Handler) validateSession(r *http.Request) validateSessionResponse {
	ctx := r.Context()
	now := time.Now().UTC()

	token, src := ExtractCredential(r, h.cfg.Cookies.RefreshName)

	if src == SourceBearer {
		claims, err := h.sessions.ValidateAccess(ctx, token, now)
		switch {
		case err == nil:
			if privilegedRequested(r) {
				ok, err := h.upstream.ValidateSession(ctx, token)
				if err != nil || !ok {
					return validateSessionResponse{Valid: false, Reason: "UPSTREAM_REJECTED"}
				}
			}
			u := toUserResponse(session.Identity{UserID: claims.UserID, Email: claims.Email, SessionID: claims.SessionID})
			return validateSessionResponse{Valid: true, Mode: "verified", User: &u}
		case errors.Is(err, session.ErrExpiredToken):
			return validateSessionResponse{Valid: false, Reason: "EXPIRED_TOKEN"}
		case errors.Is(err, secrets.ErrSecretUnavailable):
			return validateSessionResponse{Valid: false, Reason: "SECRET_UNAVAILABLE"}
		default:
			return validateSessionResponse{Valid: false, Reason: "INVALID_TOKEN"}
		}
	}

	// No bearer token. A user_info cookie is sufficient only for low-stakes
	// UI checks, is reported as such, and never counts as "verified".
	if h.cfg.AllowCookieValidation && !privilegedRequested(r) {
		if c, err := r.Cookie(h.cfg.Cookies.UserInfoName); err == nil && strings.TrimSpace(c.Value) != "" {
			if src == SourceCookie || src == SourceRawHeader {
				h.sessions.TouchByToken(ctx, now, token)
			}
			return validateSessionResponse{Valid: true, Mode: "cookie"}
		}
	}

	return validateSessionResponse{Valid: false, Reason: "MISSING_CREDENTIAL"}
}

// ---- helpers ----

func (h *Handler) writeUpstreamError(w http.ResponseWriter, event string, err error) {
	var ue *identity.UpstreamError
	if errors.As(err, &ue) {
		// Upstream verdicts pass through verbatim.
		writeError(w, ue.Status, strings.ToUpper(ue.Code), ue.Message)
		return
	}
	if errors.Is(err, secrets.ErrSecretUnavailable) {
		h.log.Error(event+".secret", "err", err)
		writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "SECRET_UNAVAILABLE", "please retry")
		return
	}
	h.log.Error(event+".upstream", "err", err)
	writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "UPSTREAM_UNAVAILABLE", "please retry")
}

func (h *Handler) writeIssueError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, session.ErrStoreUnavailable):
		h.log.Error(event+".store", "err", err)
		writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "STORE_UNAVAILABLE", "please retry")
	case errors.Is(err, secrets.ErrSecretUnavailable):
		h.log.Error(event+".secret", "err", err)
		writeRetryable(w, http.StatusServiceUnavailable, 5*time.Second, "SECRET_UNAVAILABLE", "please retry")
	default:
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
	}
}

func toUserResponse(id session.Identity) userResponse {
	return userResponse{ID: id.UserID, Email: id.Email, SessionID: id.SessionID}
}

func toTokensResponse(pair session.Pair, now time.Time) tokensResponse {
	return tokensResponse{
		AccessToken: pair.AccessToken,
		ExpiresIn:   int64(pair.AccessExp.Sub(now).Seconds()),
	}
}

func privilegedRequested(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Halo-Privileged")), "true")
}

func deviceInfo(r *http.Request) string {
	ua := strings.TrimSpace(r.UserAgent())
	if len(ua) > 256 {
		ua = ua[:256]
	}
	return ua
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

func emailValid(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	local, domain, found := strings.Cut(email, "@")
	if !found || local == "" || domain == "" {
		return false
	}
	if strings.Contains(domain, "@") || !strings.Contains(domain, ".") {
		return false
	}
	return true
}
