// Package peersync propagates session changes between trusted application
// contexts. There is no shared session store: every context holds its own
// copy and accepts a peer's only after the full verification pipeline
// (trusted sender, registered origin, signature, freshness, replay nonce)
// has passed.
package peersync

import "sync"

// Permissions a trusted app may hold.
const (
	PermReadSession  = "read_session"
	PermWriteSession = "write_session"
	PermAll          = "*"
)

// TrustedApp is a static registration of a peer context: who may be listened
// to and what they may request.
type TrustedApp struct {
	AppID       string   `json:"app_id"`
	Origin      string   `json:"origin"`
	Permissions []string `json:"permissions"`
}

// Allows reports whether the app holds perm, directly or via the wildcard.
func (a TrustedApp) Allows(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == PermAll {
			return true
		}
	}
	return false
}

// Registry is the in-memory table of trusted apps, keyed by app id. A sender
// absent from the table is dropped before any other check runs.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]TrustedApp
}

func NewRegistry(apps ...TrustedApp) *Registry {
	r := &Registry{apps: make(map[string]TrustedApp, len(apps))}
	for _, a := range apps {
		r.apps[a.AppID] = a
	}
	return r
}

// Register adds or replaces an app registration.
func (r *Registry) Register(app TrustedApp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.AppID] = app
}

// Lookup returns the registration for appID.
func (r *Registry) Lookup(appID string) (TrustedApp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[appID]
	return a, ok
}

// AllowedOrigins lists the registered origins, for transport-level origin
// checks.
func (r *Registry) AllowedOrigins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	origins := make([]string, 0, len(r.apps))
	for _, a := range r.apps {
		if a.Origin != "" {
			origins = append(origins, a.Origin)
		}
	}
	return origins
}
