package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}

// Sign produces an RSASSA-PSS (SHA-256, MGF1-SHA-256, maximal salt)
// signature over data, base64url encoded.
func Sign(priv *rsa.PrivateKey, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return B64Encode(sig), nil
}

// Verify reports whether sig is a valid signature of data under pub. It
// never panics: nil keys and malformed signatures are simply false.
func Verify(pub *rsa.PublicKey, data []byte, sig string) bool {
	if pub == nil || sig == "" {
		return false
	}
	raw, err := B64Decode(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], raw, pssOptions) == nil
}
