package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const signingKeyBits = 2048

// GenerateSigningKey creates a fresh RSA key pair for token signing.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, signingKeyBits)
}

// MarshalPrivateKeyPEM encodes the private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicKeyPEM encodes the verification half as PKIX PEM, the form
// announced to peers over key exchange.
func MarshalPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// LoadOrGenerateKey reads a PEM key from path, generating and persisting a
// new one when the file does not exist. An empty path always generates an
// ephemeral key.
func LoadOrGenerateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return GenerateSigningKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivateKeyPEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	key, err := GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	pemData, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemData, 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return key, nil
}
