// Package fingerprint hashes low-entropy client environment signals into a
// device fingerprint. The hash is not a secret and is never used as
// authentication material on its own; it only serves as a drift signal for
// hijacking detection and for binding refresh tokens to a device.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Signals are the raw client environment values contributing to the hash.
type Signals struct {
	UserAgent string `json:"user_agent"`
	Screen    string `json:"screen"`
	Timezone  string `json:"timezone"`
	Platform  string `json:"platform"`
	GPU       string `json:"gpu"`
}

// Hash returns the hex-encoded SHA-256 of the canonical signal string.
// Field order is fixed so the same signals always hash identically.
func (s Signals) Hash() string {
	canonical := strings.Join([]string{s.UserAgent, s.Screen, s.Timezone, s.Platform, s.GPU}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
