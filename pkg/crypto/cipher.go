package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	AESKeySize = 32
	gcmIVSize  = 12
	gcmTagSize = 16
)

var ErrDecrypt = errors.New("decryption failed")

// Encrypt wraps plaintext for pub with RSA-OAEP (SHA-256).
func Encrypt(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return B64Encode(ct), nil
}

// Decrypt reverses Encrypt.
func Decrypt(priv *rsa.PrivateKey, ciphertext string) ([]byte, error) {
	raw, err := B64Decode(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// NewAESKey returns a random AES-256 key.
func NewAESKey() ([]byte, error) {
	key := make([]byte, AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SealAES encrypts plaintext with AES-256-GCM under a random 96-bit IV and
// returns ciphertext, iv and tag as separate base64url strings.
func SealAES(key, plaintext []byte) (ciphertext, iv, tag string, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", "", "", err
	}
	nonce := make([]byte, gcmIVSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", "", err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagSize
	return B64Encode(sealed[:split]), B64Encode(nonce), B64Encode(sealed[split:]), nil
}

// OpenAES reverses SealAES.
func OpenAES(key []byte, ciphertext, iv, tag string) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	ct, err := B64Decode(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrDecrypt, err)
	}
	nonce, err := B64Decode(iv)
	if err != nil || len(nonce) != gcmIVSize {
		return nil, fmt.Errorf("%w: bad iv", ErrDecrypt)
	}
	t, err := B64Decode(tag)
	if err != nil || len(t) != gcmTagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrDecrypt)
	}
	pt, err := aead.Open(nil, nonce, append(ct, t...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("bad aes key size: need %d", AESKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
