// Package csrf implements double-submit token protection: a random token in
// a JavaScript-readable cookie must be echoed back in a request header, and
// the equality check is the whole validation.
package csrf

import (
	"encoding/json"
	"net/http"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/logging"
)

const (
	// CookieName holds the token. Deliberately not HttpOnly: the
	// front-end reads it and repeats it in the header.
	CookieName = "csrf_token"

	// HeaderName carries the token back on state-changing requests.
	HeaderName = "X-CSRF-Token"

	tokenBytes   = 32
	cookieMaxAge = 86400
)

// Config for cookie attributes.
type Config struct {
	CookieSecure bool
	CookieDomain string
}

// Middleware validates the double-submit pair on state-changing methods.
// Safe methods (GET, HEAD, OPTIONS) skip validation and seed the cookie when
// missing.
func Middleware(cfg Config, log logging.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if safeMethod(r.Method) {
				ensureCookie(w, r, cfg)
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CookieName)
			if err != nil || cookie.Value == "" {
				deny(w, r, log, "missing cookie token")
				return
			}
			header := r.Header.Get(HeaderName)
			if header == "" {
				deny(w, r, log, "missing header token")
				return
			}
			if cookie.Value != header {
				deny(w, r, log, "token mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenHandler serves the current token, minting one when the cookie is
// missing, so front-ends can bootstrap before their first unsafe request.
func TokenHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
			token = cookie.Value
		} else {
			token = newToken()
			http.SetCookie(w, newCookie(token, cfg))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	})
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func ensureCookie(w http.ResponseWriter, r *http.Request, cfg Config) {
	if _, err := r.Cookie(CookieName); err == nil {
		return
	}
	http.SetCookie(w, newCookie(newToken(), cfg))
}

func newToken() string {
	token, err := common.MakeRandHexString(tokenBytes)
	if err != nil {
		panic(err)
	}
	return token
}

func newCookie(token string, cfg Config) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.CookieDomain,
		MaxAge:   cookieMaxAge,
		HttpOnly: false,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func deny(w http.ResponseWriter, r *http.Request, log logging.Logger, reason string) {
	if log != nil {
		log.Warn(r.Context(), "csrf validation failed",
			"reason", reason, "method", r.Method, "path", r.URL.Path)
	}
	http.Error(w, "CSRF token validation failed", http.StatusForbidden)
}
