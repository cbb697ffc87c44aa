// Package session owns the authoritative in-process session: its data model,
// encrypted persistence, lifecycle state machine and the typed event bus
// other components subscribe to.
package session

import (
	"time"

	"github.com/mkoval/authlink/internal/token"
)

// Principal is an authenticated identity. It is owned by the external
// identity backend; this core only carries it inside tokens and sessions.
type Principal struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Session is created on successful login or registration and mutated only by
// the lifecycle manager (refresh, activity), the security enhancer (trust
// annotations via its record) and the sync protocol (peer-verified updates).
type Session struct {
	ID             string      `json:"id"`
	Principal      Principal   `json:"principal"`
	TokenPair      *token.Pair `json:"token_pair"`
	ExpiresAt      time.Time   `json:"expires_at"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

// Expired reports whether the session's own lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
