package cryptox

import (
	"bytes"
	"testing"
)

type testRecord struct {
	SessionID string `json:"session_id"`
	Subject   string `json:"subject"`
	Payload   []byte `json:"payload"`
}

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("correct horse battery staple")
	salt := []byte("fixed-salt-16byt")

	key1 := DeriveKey(password, salt)
	key2 := DeriveKey(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same key for same inputs, got different")
	}
	if len(key1) != keySize {
		t.Errorf("expected %d-byte key, got %d", keySize, len(key1))
	}
}

func TestDeriveKey_DifferentSalts(t *testing.T) {
	password := []byte("correct horse battery staple")

	key1 := DeriveKey(password, []byte("salt-1"))
	key2 := DeriveKey(password, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different keys for different salts, got same")
	}
}

func TestEncryptDecryptRecord_RoundTrip(t *testing.T) {
	in := testRecord{SessionID: "s-1", Subject: "user-42", Payload: []byte{1, 2, 3}}
	password := []byte("hunter2-but-longer")

	env, err := EncryptRecord(in, password)
	if err != nil {
		t.Fatalf("EncryptRecord error: %v", err)
	}

	var out testRecord
	if err := DecryptRecord(env, password, &out); err != nil {
		t.Fatalf("DecryptRecord error: %v", err)
	}
	if out.SessionID != in.SessionID || out.Subject != in.Subject || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDecryptRecord_WrongPassword(t *testing.T) {
	env, err := EncryptRecord(testRecord{SessionID: "s-1"}, []byte("right password"))
	if err != nil {
		t.Fatalf("EncryptRecord error: %v", err)
	}

	var out testRecord
	err = DecryptRecord(env, []byte("wrong password"), &out)
	if err == nil {
		t.Fatalf("expected authentication failure for wrong password, got nil")
	}
	// Authentication must fail before any plaintext is produced.
	if out.SessionID != "" {
		t.Fatalf("decryption with wrong password leaked plaintext: %+v", out)
	}
}

func TestDecryptRecord_TamperedCiphertext(t *testing.T) {
	password := []byte("a password")
	env, err := EncryptRecord(testRecord{SessionID: "s-1"}, password)
	if err != nil {
		t.Fatalf("EncryptRecord error: %v", err)
	}

	env.Ciphertext[0] ^= 0xff

	var out testRecord
	if err := DecryptRecord(env, password, &out); err == nil {
		t.Fatalf("expected authentication failure for tampered ciphertext, got nil")
	}
}

func TestEncryptRecord_FreshSaltAndNonce(t *testing.T) {
	password := []byte("a password")
	env1, err := EncryptRecord(testRecord{SessionID: "s-1"}, password)
	if err != nil {
		t.Fatalf("EncryptRecord error: %v", err)
	}
	env2, err := EncryptRecord(testRecord{SessionID: "s-1"}, password)
	if err != nil {
		t.Fatalf("EncryptRecord error: %v", err)
	}

	if bytes.Equal(env1.Salt, env2.Salt) {
		t.Errorf("expected fresh salt per encryption")
	}
	if bytes.Equal(env1.Nonce, env2.Nonce) {
		t.Errorf("expected fresh nonce per encryption")
	}
}
