// Package cryptox implements encryption-at-rest for persisted session
// records: a password-derived symmetric key (argon2id) and AES-GCM
// authenticated encryption. The random salt and nonce travel alongside the
// ciphertext in an Envelope, so a record is self-contained and a wrong
// password fails authentication deterministically instead of yielding
// corrupted plaintext.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"

	"github.com/mkoval/authlink/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// Envelope is the stored form of an encrypted record.
type Envelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DeriveKey derives a 256-bit AES key from a password and salt using
// argon2id. Deterministic: same inputs always produce the same key.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, keySize)
}

// EncryptRecord serializes v to JSON and encrypts it under a key derived
// from password with a fresh random salt. A new random 12-byte nonce is
// generated for each encryption.
//
// Example:
//
//	env, err := cryptox.EncryptRecord(record, []byte("passphrase"))
//	if err != nil {
//	    return err
//	}
//	blob, _ := json.Marshal(env) // store blob
func EncryptRecord(v any, password []byte) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	salt := common.GenerateRandByteArray(saltSize)
	key := DeriveKey(password, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)

	return &Envelope{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// DecryptRecord re-derives the key from password and the envelope's salt,
// authenticates and decrypts the ciphertext, and unmarshals the JSON into v.
// Returns an error (from GCM authentication) on any tampering or wrong
// password.
func DecryptRecord(env *Envelope, password []byte, v any) error {
	key := DeriveKey(password, env.Salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	plaintext, err := aesgcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return err
	}

	return json.Unmarshal(plaintext, v)
}
