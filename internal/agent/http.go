package agent

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/csrf"
	"github.com/mkoval/authlink/internal/fingerprint"
	"github.com/mkoval/authlink/internal/identity"
	"github.com/mkoval/authlink/internal/metrics"
	"github.com/mkoval/authlink/internal/security"
	"github.com/mkoval/authlink/internal/session"
)

// User-visible failure texts. Internal detail (scores, signature failures)
// never leaves the agent.
const (
	msgSignInAgain     = "session expired, please sign in again"
	msgActionForbidden = "action not permitted"
)

// Router builds the local HTTP surface the front-end talks to.
func (app *App) Router() http.Handler {
	r := chi.NewRouter()

	csrfCfg := csrf.Config{}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/csrf/token", csrf.TokenHandler(csrfCfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(app.registry))

	r.Group(func(r chi.Router) {
		r.Use(csrf.Middleware(csrfCfg, app.log))

		r.Route("/session", func(r chi.Router) {
			r.Get("/", app.handleGetSession)
			r.Post("/", app.handleSignIn)
			r.Delete("/", app.handleSignOut)
			r.Post("/activity", app.handleActivity)
		})
		r.Post("/signup", app.handleSignUp)
		r.Post("/reset-password", app.handleResetPassword)
	})

	return r
}

type signInRequest struct {
	Email       string              `json:"email"`
	Password    string              `json:"password"`
	Name        string              `json:"name,omitempty"`
	Fingerprint fingerprint.Signals `json:"fingerprint"`
}

type sessionResponse struct {
	State   string           `json:"state"`
	Trust   string           `json:"trust,omitempty"`
	Session *session.Session `json:"session,omitempty"`
}

func (app *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	cur := app.manager.Current()
	if cur == nil {
		writeError(w, http.StatusNotFound, msgSignInAgain)
		return
	}
	resp := sessionResponse{State: string(app.manager.State()), Session: cur}
	if rec := app.manager.SecurityRecord(); rec != nil {
		resp.Trust = string(rec.TrustLevel)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (app *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	backendSess, err := app.identity.SignIn(r.Context(), identity.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		if errors.Is(err, common.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, msgSignInAgain)
		} else {
			writeError(w, http.StatusBadGateway, msgSignInAgain)
		}
		return
	}

	sess, obs, err := app.mintSession(r, backendSess.Principal, req.Fingerprint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgSignInAgain)
		return
	}
	if err := app.manager.Save(r.Context(), sess, obs); err != nil {
		writeError(w, http.StatusForbidden, msgActionForbidden)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{State: string(app.manager.State()), Session: sess})
}

func (app *App) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	backendSess, err := app.identity.SignUp(r.Context(), identity.Credentials{Email: req.Email, Password: req.Password, Name: req.Name})
	if err != nil {
		writeError(w, http.StatusBadGateway, msgSignInAgain)
		return
	}
	if backendSess == nil {
		// Account created, confirmation pending: no session yet.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess, obs, err := app.mintSession(r, backendSess.Principal, req.Fingerprint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgSignInAgain)
		return
	}
	if err := app.manager.Save(r.Context(), sess, obs); err != nil {
		writeError(w, http.StatusForbidden, msgActionForbidden)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{State: string(app.manager.State()), Session: sess})
}

func (app *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if cur := app.manager.Current(); cur != nil {
		app.tokens.RevokeChain(cur.ID)
	}
	app.manager.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type activityRequest struct {
	Activity    string              `json:"activity"`
	Fingerprint fingerprint.Signals `json:"fingerprint"`
}

func (app *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	err := app.manager.Touch(r.Context(), req.Activity, app.observation(r, req.Fingerprint))
	switch {
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, msgSignInAgain)
	case errors.Is(err, common.ErrSecurityRejected):
		writeError(w, http.StatusForbidden, msgActionForbidden)
	case err != nil:
		writeError(w, http.StatusInternalServerError, msgActionForbidden)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (app *App) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if err := app.identity.ResetPassword(r.Context(), req.Email); err != nil {
		writeError(w, http.StatusBadGateway, msgActionForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mintSession turns an authenticated principal into a local session: the
// token pair is minted here, never accepted from the backend.
func (app *App) mintSession(r *http.Request, principal session.Principal, signals fingerprint.Signals) (*session.Session, security.Observation, error) {
	obs := app.observation(r, signals)

	var roles []string
	if principal.Role != "" {
		roles = []string{principal.Role}
	}
	pair, err := app.tokens.Issue(principal.ID, obs.FingerprintHash, roles, nil)
	if err != nil {
		return nil, obs, err
	}

	now := time.Now()
	return &session.Session{
		ID:             pair.SessionID,
		Principal:      principal,
		TokenPair:      pair,
		ExpiresAt:      now.Add(app.tokens.AccessTTL()),
		LastActivityAt: now,
	}, obs, nil
}

func (app *App) observation(r *http.Request, signals fingerprint.Signals) security.Observation {
	if signals.UserAgent == "" {
		signals.UserAgent = r.UserAgent()
	}
	obs := security.Observation{
		IPAddress: remoteIP(r),
		At:        time.Now(),
	}
	if signals != (fingerprint.Signals{}) {
		obs.FingerprintHash = signals.Hash()
	}
	return obs
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
