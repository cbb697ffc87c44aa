package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/session"
)

func backend(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestSignIn_ReturnsSession(t *testing.T) {
	c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/sign-in", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		require.Equal(t, "a@b.c", creds.Email)

		json.NewEncoder(w).Encode(sessionResponse{Session: &session.Session{
			ID:        "s-1",
			Principal: session.Principal{ID: "u-1", Email: "a@b.c"},
		}})
	})

	sess, err := c.SignIn(context.Background(), Credentials{Email: "a@b.c", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "s-1", sess.ID)
	require.Equal(t, "u-1", sess.Principal.ID)
}

func TestSignIn_BadCredentials(t *testing.T) {
	c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"nope"}`, http.StatusUnauthorized)
	})

	_, err := c.SignIn(context.Background(), Credentials{Email: "a@b.c", Password: "wrong"})
	require.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestSignUp_PendingConfirmation(t *testing.T) {
	c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(sessionResponse{})
	})

	sess, err := c.SignUp(context.Background(), Credentials{Email: "new@b.c", Password: "pw"})
	require.NoError(t, err)
	require.Nil(t, sess, "pending confirmation yields no session and no error")
}

func TestResetPassword(t *testing.T) {
	var gotEmail string
	c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotEmail = body["email"]
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.ResetPassword(context.Background(), "a@b.c"))
	require.Equal(t, "a@b.c", gotEmail)
}

func TestRefresh_ServerError(t *testing.T) {
	c := backend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Refresh(context.Background())
	require.ErrorIs(t, err, common.ErrInternal)
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Options{})
	require.Error(t, err)
}
