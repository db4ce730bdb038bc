package gate

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"halo/internal/session"
)

type userInfoCookie struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
}

// setSessionCookies writes the full cookie set for an issued or rotated pair:
// the httpOnly refresh cookie, plus the JS-readable authenticated/user_info
// pair the UI uses for rendering decisions. The access token itself is never
// placed in a cookie; it travels in the response body and returns as a bearer
// header.
func (h *Handler) setSessionCookies(w http.ResponseWriter, now time.Time, pair session.Pair) {
	p := h.cfg.Cookies

	h.setCookie(w, p.RefreshName, pair.RefreshToken, pair.RefreshExp.Sub(now), true)

	info, _ := json.Marshal(userInfoCookie{
		ID:        pair.Identity.UserID,
		Email:     pair.Identity.Email,
		SessionID: pair.Identity.SessionID,
	})
	accessTTL := pair.AccessExp.Sub(now)
	h.setCookie(w, p.AuthFlagName, "true", accessTTL, false)
	h.setCookie(w, p.UserInfoName, url.QueryEscape(string(info)), accessTTL, false)
}

// clearSessionCookies expires the full cookie set. Called unconditionally on
// logout and on any refresh failure; it must never depend on revoke outcomes.
func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	p := h.cfg.Cookies
	h.expireCookie(w, p.RefreshName, true)
	h.expireCookie(w, p.AuthFlagName, false)
	h.expireCookie(w, p.UserInfoName, false)
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration, httpOnly bool) {
	if ttl < 0 {
		ttl = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     h.cfg.Cookies.Path,
		Domain:   h.cfg.Cookies.Domain,
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: httpOnly,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: h.cfg.Cookies.SameSite,
	})
}

func (h *Handler) expireCookie(w http.ResponseWriter, name string, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     h.cfg.Cookies.Path,
		Domain:   h.cfg.Cookies.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: httpOnly,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: h.cfg.Cookies.SameSite,
	})
}
