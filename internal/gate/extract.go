package gate

import (
	"net/http"
	"strings"
)

// Source identifies where a presented credential was found.
type Source int

const (
	// SourceNone means no credential was present.
	SourceNone Source = iota
	// SourceBearer is the Authorization: Bearer header.
	SourceBearer
	// SourceCookie is the parsed cookie jar.
	SourceCookie
	// SourceRawHeader is a manual scan of the raw Cookie header, for request
	// paths that bypass cookie-parsing middleware.
	SourceRawHeader
)

// ExtractCredential locates a presented credential with a fixed precedence:
// bearer header, then cookie jar, then raw Cookie header scan. First match
// wins. This is the only credential parser in the codebase; every endpoint
// goes through it.
func ExtractCredential(r *http.Request, cookieName string) (string, Source) {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			if token := strings.TrimSpace(auth[len(prefix):]); token != "" {
				return token, SourceBearer
			}
		}
	}

	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v, SourceCookie
			}
		}

		if v := scanRawCookieHeader(r.Header.Get("Cookie"), cookieName); v != "" {
			return v, SourceRawHeader
		}
	}

	return "", SourceNone
}

// scanRawCookieHeader extracts a cookie value from the raw header string.
// Kept deliberately simple: split on ';', then on the first '='.
func scanRawCookieHeader(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(k) == name {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
