// Package cryptotest hands out RSA keys for tests. Full-strength keys are
// slow to generate, so each test binary generates them once and shares them.
package cryptotest

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"socp/pkg/crypto"
)

var (
	mu   sync.Mutex
	keys []*rsa.PrivateKey
)

// Key returns the i-th shared key, generating keys up to i on first use.
func Key(t testing.TB, i int) *rsa.PrivateKey {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	for len(keys) <= i {
		priv, err := rsa.GenerateKey(rand.Reader, crypto.MinKeyBits)
		if err != nil {
			t.Fatalf("generate test key: %v", err)
		}
		keys = append(keys, priv)
	}
	return keys[i]
}

// PublicB64 returns the wire encoding of the i-th shared public key.
func PublicB64(t testing.TB, i int) string {
	t.Helper()
	s, err := crypto.EncodePublicKey(&Key(t, i).PublicKey)
	if err != nil {
		t.Fatalf("encode test key: %v", err)
	}
	return s
}
