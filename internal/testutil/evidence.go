package testutil

import (
	"path/filepath"
	"testing"

	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/evidence"
)

// NewTestSigner returns a signer keyed with TestSigningKey.
func NewTestSigner(t *testing.T) *cryptoutil.Signer {
	t.Helper()
	s, err := cryptoutil.NewSigner(TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// NewTestEvidenceStore creates an evidence store in a temp dir and registers
// t.Cleanup to close it.
func NewTestEvidenceStore(t *testing.T) *evidence.Store {
	t.Helper()
	store, err := evidence.NewStore(filepath.Join(t.TempDir(), "evidence.db"), NewTestSigner(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
