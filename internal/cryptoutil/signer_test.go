package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	s, err := NewSigner(strings.Repeat("k", 32))
	require.NoError(t, err)

	sig := s.Sign([]byte("payload"))
	assert.True(t, strings.HasPrefix(sig, "hmac-sha256:"))
	assert.True(t, s.Verify([]byte("payload"), sig))
	assert.False(t, s.Verify([]byte("payload!"), sig))

	other, err := NewSigner(strings.Repeat("z", 32))
	require.NoError(t, err)
	assert.False(t, other.Verify([]byte("payload"), sig))

	_, err = NewSigner("short")
	assert.Error(t, err)
}
