// Package common defines shared constants, sentinel errors and small
// crypto-adjacent helpers used across authlink components. Callers should
// use errors.Is to match the sentinel values.
package common

import "errors"

var (
	// Generic flow control.
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Token lifecycle. ErrTokenExpired is retryable via rotation;
	// ErrTokenInvalid is fatal and must never trigger a retry.
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrFingerprintMismatch is raised when a refresh token's embedded
	// device fingerprint does not match the one presented at rotation
	// time. Treated as a theft signal: the caller revokes the whole
	// rotation chain.
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")

	// ErrSecurityRejected means the anomaly score exceeded the configured
	// ceiling. The session is cleared and the user must re-authenticate.
	ErrSecurityRejected = errors.New("security validation rejected")

	// Peer messaging. These are dropped silently at the protocol layer and
	// never surfaced to the sending peer.
	ErrPeerUntrusted    = errors.New("peer not trusted")
	ErrPeerUnauthorized = errors.New("peer not authorized")
	ErrReplayDetected   = errors.New("message replay detected")
)
