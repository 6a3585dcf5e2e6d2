package crypto

import (
	"encoding/base64"
	"strings"
)

// B64Encode is unpadded base64url.
func B64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64Decode accepts base64url with or without padding.
func B64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
