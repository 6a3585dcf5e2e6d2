// Package crypto is the cryptographic collaborator of the router: RSA key
// management, RSASSA-PSS signatures, RSA-OAEP key wrapping and AES-256-GCM.
// Every primitive works on base64url strings as they appear on the wire.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MinKeyBits is the smallest RSA modulus accepted anywhere in the protocol.
const MinKeyBits = 4096

var (
	ErrWeakKey    = errors.New("rsa key is weaker than 4096 bits")
	ErrInvalidKey = errors.New("invalid rsa key")
)

// GenerateKeypair creates a fresh RSA keypair. Sizes below MinKeyBits are
// rejected rather than adjusted.
func GenerateKeypair(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if bits < MinKeyBits {
		return nil, nil, fmt.Errorf("%w: requested %d bits", ErrWeakKey, bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return priv, &priv.PublicKey, nil
}

// CheckStrength returns ErrWeakKey for keys below MinKeyBits.
func CheckStrength(pub *rsa.PublicKey) error {
	if pub == nil || pub.N == nil {
		return ErrInvalidKey
	}
	if pub.N.BitLen() < MinKeyBits {
		return fmt.Errorf("%w: got %d bits", ErrWeakKey, pub.N.BitLen())
	}
	return nil
}

// EncodePublicKey renders a public key as base64url DER (PKIX).
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return B64Encode(der), nil
}

// ParsePublicKey decodes a base64url DER public key and enforces MinKeyBits.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := B64Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidKey)
	}
	if err := CheckStrength(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// SavePrivateKey writes a PKCS#8 PEM file readable only by the owner.
func SavePrivateKey(path string, priv *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a PEM private key (PKCS#8 or PKCS#1).
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrInvalidKey, path)
	}

	var priv *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		var ok bool
		if priv, ok = key.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidKey)
		}
	}

	if err := CheckStrength(&priv.PublicKey); err != nil {
		return nil, err
	}
	return priv, nil
}

// LoadOrGenerate loads the key at path, or generates and saves one when the
// file does not exist. An empty path always generates an ephemeral key.
func LoadOrGenerate(path string, bits int) (*rsa.PrivateKey, bool, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			priv, err := LoadPrivateKey(path)
			return priv, false, err
		}
	}

	priv, _, err := GenerateKeypair(bits)
	if err != nil {
		return nil, false, err
	}
	if path != "" {
		if err := SavePrivateKey(path, priv); err != nil {
			return nil, false, err
		}
	}
	return priv, true, nil
}
