package envelope

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"socp/pkg/crypto"
)

// Canonicalize returns the deterministic encoding of a payload object: keys
// sorted bytewise at every level, no insignificant whitespace, numbers kept
// in their literal form, HTML characters and U+2028/U+2029 left unescaped.
// Payloads that are not valid UTF-8 are rejected. This byte string is what
// gets signed, verified and hashed for de-duplication.
func Canonicalize(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = emptyObject
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrBadPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrBadPayload)
	}
	return encodeCanonical(v)
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return unescapeLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes encoding/json
// always emits back into the raw characters. An escape preceded by an odd
// run of backslashes is literal text and is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' {
			out = append(out, b[i])
			continue
		}
		if i+5 < len(b) && string(b[i+1:i+5]) == "u202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		// Copy the escaped character with its backslash.
		out = append(out, b[i])
		if i+1 < len(b) {
			out = append(out, b[i+1])
			i++
		}
	}
	return out
}

// Sign signs the canonical payload with priv and stores the signature.
func (e *Envelope) Sign(priv *rsa.PrivateKey) error {
	canon, err := Canonicalize(e.Payload)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(priv, canon)
	if err != nil {
		return err
	}
	e.Sig = sig
	return nil
}

// Verify checks the envelope signature against pub. It returns false for a
// missing key, an empty signature or a payload that cannot be canonicalized.
func (e *Envelope) Verify(pub *rsa.PublicKey) bool {
	if pub == nil || e.Sig == "" {
		return false
	}
	canon, err := Canonicalize(e.Payload)
	if err != nil {
		return false
	}
	return crypto.Verify(pub, canon, e.Sig)
}

// DedupKey derives the gossip de-duplication key (ts, from, to,
// sha256(canonical payload)).
func (e *Envelope) DedupKey() (string, error) {
	canon, err := Canonicalize(e.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return strconv.FormatInt(e.TS, 10) + "|" + e.From + "|" + e.To + "|" + hex.EncodeToString(sum[:]), nil
}
