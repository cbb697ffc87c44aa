// Package token implements the signed-token lifecycle: issuing, verifying,
// rotating and revoking self-contained session tokens, optionally bound to a
// device fingerprint. Tokens are RS256-signed so verification never requires
// the signing secret.
package token

import (
	"crypto/rsa"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/metrics"
)

const (
	// DefaultAccessTTL is the default access-token lifetime.
	DefaultAccessTTL = time.Hour
	// DefaultRefreshTTL is the default refresh-token lifetime.
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Options configure a Service. Zero TTLs fall back to the defaults.
type Options struct {
	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RequireFingerprint makes Rotate reject refresh tokens whose
	// embedded fingerprint hash does not match the one presented.
	RequireFingerprint bool

	Metrics metrics.Recorder
}

// Service issues and validates session token pairs. All mutating state (the
// revocation set, the per-session jti index) is guarded by one mutex.
type Service struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	opts    Options

	mu      sync.Mutex
	revoked map[string]struct{}
	chains  map[string][]string // sessionID -> jtis issued for the chain

	now func() time.Time
}

// NewService creates a Service signing with key.
func NewService(key *rsa.PrivateKey, opts Options) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Service{
		private: key,
		public:  &key.PublicKey,
		opts:    opts,
		revoked: make(map[string]struct{}),
		chains:  make(map[string][]string),
		now:     time.Now,
	}
}

// Issue mints a fresh session id and a token pair for subject: a short-lived
// access token and a structurally distinct refresh token, both carrying the
// same sessionID and, when provided, the device fingerprint hash.
func (s *Service) Issue(subject, fingerprintHash string, roles, permissions []string) (*Pair, error) {
	sessionID := uuid.NewString()
	return s.mintPair(subject, sessionID, fingerprintHash, roles, permissions)
}

// Verify checks signature, issuer, audience, expiry and not-before, and that
// the token has not been revoked. Returns common.ErrTokenExpired for a token
// that is valid but past its expiry (callers may rotate), and
// common.ErrTokenInvalid for everything else (callers must not retry).
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return s.public, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.opts.Issuer),
		jwt.WithAudience(s.opts.Audience),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrTokenInvalid
	}

	if s.isRevoked(claims.ID) {
		return nil, common.ErrTokenInvalid
	}

	return claims, nil
}

// Rotate re-verifies refreshToken, requires it to be of refresh type and,
// when fingerprinting is enabled, bound to fingerprintHash, then mints a
// brand-new pair under the same sessionID. The presented refresh token is
// revoked before the new pair exists, so of two near-simultaneous rotation
// attempts only the first can succeed; the second fails closed with
// common.ErrTokenInvalid.
//
// A fingerprint mismatch returns common.ErrFingerprintMismatch; the caller
// must treat it as theft and revoke the chain (RevokeChain).
func (s *Service) Rotate(refreshToken, fingerprintHash string) (*Pair, error) {
	claims, err := s.Verify(refreshToken)
	if err != nil {
		s.opts.Metrics.Rotation("failed")
		return nil, err
	}

	if claims.TokenType != TypeRefresh {
		s.opts.Metrics.Rotation("failed")
		return nil, common.ErrTokenInvalid
	}

	if s.opts.RequireFingerprint && claims.Fingerprint != "" && claims.Fingerprint != fingerprintHash {
		s.opts.Metrics.Rotation("fingerprint_mismatch")
		return nil, common.ErrFingerprintMismatch
	}

	// Single-use semantics: consume the refresh token atomically. If a
	// concurrent rotation got here first, fail closed.
	if !s.consume(claims.ID) {
		s.opts.Metrics.Rotation("failed")
		return nil, common.ErrTokenInvalid
	}

	pair, err := s.mintPair(claims.Subject, claims.SessionID, claims.Fingerprint, claims.Roles, claims.Permissions)
	if err != nil {
		s.opts.Metrics.Rotation("failed")
		return nil, err
	}
	s.opts.Metrics.Rotation("ok")
	return pair, nil
}

// Revoke adds jti to the in-memory revocation set consulted by Verify.
func (s *Service) Revoke(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = struct{}{}
}

// RevokeChain revokes every token ever issued for sessionID. Used when a
// fingerprint mismatch marks the chain as stolen.
func (s *Service) RevokeChain(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, jti := range s.chains[sessionID] {
		s.revoked[jti] = struct{}{}
	}
	delete(s.chains, sessionID)
}

// AccessTTL reports the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.opts.AccessTTL }

func (s *Service) isRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[jti]
	return ok
}

// consume revokes jti, reporting false when it already was revoked.
func (s *Service) consume(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[jti]; ok {
		return false
	}
	s.revoked[jti] = struct{}{}
	return true
}

func (s *Service) mintPair(subject, sessionID, fingerprintHash string, roles, permissions []string) (*Pair, error) {
	access, err := s.mint(subject, sessionID, TypeAccess, s.opts.AccessTTL, fingerprintHash, roles, permissions)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mint(subject, sessionID, TypeRefresh, s.opts.RefreshTTL, fingerprintHash, roles, permissions)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.opts.AccessTTL.Seconds()),
		SessionID:    sessionID,
	}, nil
}

func (s *Service) mint(subject, sessionID, tokenType string, ttl time.Duration, fingerprintHash string, roles, permissions []string) (string, error) {
	now := s.now()
	jti := uuid.NewString()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    s.opts.Issuer,
			Audience:  jwt.ClaimStrings{s.opts.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID:   sessionID,
		Fingerprint: fingerprintHash,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   tokenType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.private)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.chains[sessionID] = append(s.chains[sessionID], jti)
	s.mu.Unlock()

	return signed, nil
}
