// Package msgauth computes and verifies keyed signatures over sync-protocol
// messages. A signature covers the canonical (payload, timestamp, nonce)
// tuple, so neither the content, the claimed send time nor the replay nonce
// can be forged without the shared key.
package msgauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// SignedMessage is the wire form carried inside the AUTH_SYNC envelope.
// Timestamp is milliseconds since the Unix epoch; Signature is hex-encoded
// HMAC-SHA256.
type SignedMessage struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	AppID     string          `json:"appId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
}

// Authenticator signs and verifies messages under one shared HMAC key.
type Authenticator struct {
	key []byte
	now func() time.Time
}

func NewAuthenticator(key []byte) *Authenticator {
	return &Authenticator{key: key, now: time.Now}
}

// Sign builds a SignedMessage: current timestamp, a fresh random nonce, and
// the keyed signature over the canonical tuple.
func (a *Authenticator) Sign(msgType, source, appID string, payload json.RawMessage) *SignedMessage {
	msg := &SignedMessage{
		Type:      msgType,
		Source:    source,
		AppID:     appID,
		Payload:   payload,
		Timestamp: a.now().UnixMilli(),
		Nonce:     ulid.Make().String(),
	}
	msg.Signature = hex.EncodeToString(a.mac(msg))
	return msg
}

// Verify recomputes the signature and compares it in constant time. Any
// decoding, length or content mismatch returns false; it never returns an
// error, so callers have exactly one failure path.
func (a *Authenticator) Verify(msg *SignedMessage) bool {
	if msg == nil || msg.Nonce == "" {
		return false
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, a.mac(msg))
}

// mac computes HMAC-SHA256 over payload, timestamp and nonce, separated by
// newlines so field boundaries cannot be shifted.
func (a *Authenticator) mac(msg *SignedMessage) []byte {
	h := hmac.New(sha256.New, a.key)
	h.Write(msg.Payload)
	h.Write([]byte("\n"))
	h.Write([]byte(strconv.FormatInt(msg.Timestamp, 10)))
	h.Write([]byte("\n"))
	h.Write([]byte(msg.Nonce))
	return h.Sum(nil)
}
