package token

import "github.com/golang-jwt/jwt/v5"

// Token types carried in the "typ" claim. A refresh token is structurally
// distinct from an access token and is only accepted by Rotate.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the full claim set embedded in issued tokens: the registered
// set (jti, iat, nbf, exp, iss, aud, sub) plus the session binding.
type Claims struct {
	jwt.RegisteredClaims

	// SessionID identifies the rotation chain. Every pair minted by
	// Rotate keeps the sessionID of the pair it replaces.
	SessionID string `json:"sid"`

	// Fingerprint is the device fingerprint hash the token is bound to,
	// empty when fingerprinting is disabled.
	Fingerprint string `json:"fph,omitempty"`

	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`

	// TokenType is TypeAccess or TypeRefresh.
	TokenType string `json:"typ"`
}

// Pair is the result of issuing or rotating a session.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`

	// SessionID of the chain both tokens belong to.
	SessionID string `json:"session_id"`
}
