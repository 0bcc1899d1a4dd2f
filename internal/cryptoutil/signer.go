package cryptoutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const signaturePrefix = "hmac-sha256:"

// MinSigningKeyBytes is the shortest accepted HMAC key.
const MinSigningKeyBytes = 32

// Signer signs and verifies records with HMAC-SHA256.
type Signer struct {
	key []byte
}

// NewSigner accepts a raw key of at least 32 bytes or a hex key decoding to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	b, err := ResolveKey(key, MinSigningKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	return &Signer{key: b}, nil
}

// Sign returns "hmac-sha256:<hex>" for data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature is valid for data, in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}
