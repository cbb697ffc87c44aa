package csrf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func protected(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_SafeMethodPassesAndSeedsCookie(t *testing.T) {
	var called bool
	handler := Middleware(Config{}, nil)(protected(&called))

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Fatal("GET must pass without a token")
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName {
		t.Fatalf("expected a seeded %s cookie, got %v", CookieName, cookies)
	}
	if cookies[0].Value == "" || len(cookies[0].Value) != tokenBytes*2 {
		t.Errorf("token should be %d hex chars, got %q", tokenBytes*2, cookies[0].Value)
	}
	if cookies[0].HttpOnly {
		t.Error("cookie must stay readable by the front-end")
	}
}

func TestMiddleware_PostWithMatchingPairPasses(t *testing.T) {
	var called bool
	handler := Middleware(Config{}, nil)(protected(&called))

	req := httptest.NewRequest(http.MethodPost, "/api/feed", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-1"})
	req.Header.Set(HeaderName, "tok-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Fatal("matching double-submit pair must pass")
	}
}

func TestMiddleware_PostRejections(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{"missing cookie", "", "tok-1"},
		{"missing header", "tok-1", ""},
		{"mismatch", "tok-1", "tok-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			handler := Middleware(Config{}, nil)(protected(&called))

			req := httptest.NewRequest(http.MethodPost, "/api/feed", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(HeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if called {
				t.Fatal("handler must not run")
			}
			if w.Result().StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusForbidden)
			}
		})
	}
}

func TestTokenHandler_MintsAndReusesToken(t *testing.T) {
	handler := TokenHandler(Config{})

	req := httptest.NewRequest(http.MethodGet, "/csrf/token", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	minted := body["token"]
	if minted == "" {
		t.Fatal("expected a minted token")
	}

	// A second call with the cookie present returns the same token and
	// sets no new cookie.
	req = httptest.NewRequest(http.MethodGet, "/csrf/token", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: minted})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["token"] != minted {
		t.Errorf("token changed across calls: %q != %q", body["token"], minted)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("existing cookie must not be replaced")
	}
}
