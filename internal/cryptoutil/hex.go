// Package cryptoutil holds the small crypto helpers shared by the stores:
// the passphrase envelope used for data at rest and key-material parsing.
package cryptoutil

import (
	"encoding/hex"
	"fmt"
)

// IsHexString reports whether s consists entirely of hexadecimal characters
// (0-9, a-f, A-F). It returns true for an empty string; callers should check
// length separately when a minimum size is required.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// ResolveKey interprets key as hex when it is an even-length hex string of at
// least 2*minBytes characters, otherwise as raw bytes. The result must be at
// least minBytes long.
func ResolveKey(key string, minBytes int) ([]byte, error) {
	if len(key) >= 2*minBytes && len(key)%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("key hex decode: %w", err)
		}
		return decoded, nil
	}
	if len(key) < minBytes {
		return nil, fmt.Errorf("key must be at least %d bytes (got %d)", minBytes, len(key))
	}
	return []byte(key), nil
}
