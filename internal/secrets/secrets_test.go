package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/cryptoutil"
)

func testSealer(t *testing.T, pass string) *cryptoutil.Sealer {
	t.Helper()
	s, err := cryptoutil.NewSealer(pass, cryptoutil.MinIterations)
	require.NoError(t, err)
	return s
}

func openTestStore(t *testing.T, maxSecrets int) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.enc")
	s, err := OpenStore(path, testSealer(t, "store passphrase"), maxSecrets)
	require.NoError(t, err)
	return s, path
}

func fakeEnv(vars map[string]string) BrokerOption {
	return WithGetenv(func(k string) string { return vars[k] })
}

func TestStore_PersistsEncrypted(t *testing.T) {
	s, path := openTestStore(t, 0)
	require.NoError(t, s.Put(TavilyAPIKey, "tvly-abcdefghijkl", "cli", true))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, cryptoutil.IsEnvelope(blob))
	assert.NotContains(t, string(blob), "tvly-abcdefghijkl")

	reopened, err := OpenStore(path, testSealer(t, "store passphrase"), 0)
	require.NoError(t, err)
	r, ok := reopened.get(TavilyAPIKey)
	require.True(t, ok)
	assert.Equal(t, "tvly-abcdefghijkl", r.Value)
	assert.Equal(t, "cli", r.Source)
	assert.True(t, r.Validated)
	assert.False(t, r.StoredAt.IsZero())

	meta := reopened.List()
	require.Len(t, meta, 1)
	assert.Equal(t, TavilyAPIKey, meta[0].Name)
}

func TestStore_WrongPassphraseFailsClosed(t *testing.T) {
	s, path := openTestStore(t, 0)
	require.NoError(t, s.Put("x", "value-value", "cli", false))

	_, err := OpenStore(path, testSealer(t, "not it"), 0)
	assert.ErrorIs(t, err, cryptoutil.ErrDecrypt)
}

func TestStore_Capacity(t *testing.T) {
	s, _ := openTestStore(t, 2)
	require.NoError(t, s.Put("a", "1", "cli", false))
	require.NoError(t, s.Put("b", "2", "cli", false))
	assert.ErrorIs(t, s.Put("c", "3", "cli", false), ErrCapacityExceeded)
	// Overwriting an existing name does not need capacity.
	require.NoError(t, s.Put("a", "11", "cli", false))
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Delete("b"))
	require.NoError(t, s.Put("c", "3", "cli", false))
	assert.ErrorIs(t, s.Delete("zzz"), ErrSecretNotFound)
}

func TestBroker_DeniedRequestorLooksLikeMissing(t *testing.T) {
	s, _ := openTestStore(t, 0)
	require.NoError(t, s.Put(TavilyAPIKey, "tvly-0123456789", "cli", true))
	sink := &audit.Memory{}
	b := NewBroker(s, sink, fakeEnv(nil))
	ctx := context.Background()

	v, ok := b.Fetch(ctx, TavilyAPIKey, "chat")
	assert.False(t, ok)
	assert.Empty(t, v)
	denied := sink.Events(audit.EventSecretAccessDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "chat", denied[0].Detail["requestor"])

	v, ok = b.Fetch(ctx, TavilyAPIKey, RequestorSearch)
	assert.True(t, ok)
	assert.Equal(t, "tvly-0123456789", v)

	// Granted but absent behaves the same as denied from the caller's side.
	_, ok = b.Fetch(ctx, OpenAIAPIKey, RequestorProvider)
	assert.False(t, ok)
}

func TestBroker_EnvFallbackAndStorePrecedence(t *testing.T) {
	s, _ := openTestStore(t, 0)
	env := map[string]string{"OPENAI_API_KEY": "sk-from-env-123", "TAVILY_API_KEY": "tvly-env-value"}
	b := NewBroker(s, nil, fakeEnv(env))
	ctx := context.Background()

	v, err := b.MustFetch(ctx, OpenAIAPIKey, RequestorProvider)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env-123", v)

	require.NoError(t, b.Store(ctx, OpenAIAPIKey, "sk-from-store-456", "store_credential", false))
	v, err = b.MustFetch(ctx, OpenAIAPIKey, RequestorProvider)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-store-456", v)

	assert.ElementsMatch(t, []string{"sk-from-store-456", "tvly-env-value"}, b.SensitiveValues())
	assert.Equal(t, []string{OpenAIAPIKey, TavilyAPIKey}, b.Names())

	_, err = b.MustFetch(ctx, WebhookToken, RequestorMessenger)
	assert.ErrorIs(t, err, ErrSecretUnavailable)
	_, err = b.MustFetch(ctx, OpenAIAPIKey, "chat")
	assert.ErrorIs(t, err, ErrSecretUnavailable)
}

func TestBroker_StoreAuditOmitsValue(t *testing.T) {
	s, _ := openTestStore(t, 0)
	sink := &audit.Memory{}
	b := NewBroker(s, sink, fakeEnv(nil))

	require.NoError(t, b.Store(context.Background(), "github_token", "ghp_supersecretvalue", "store_credential", true))
	stored := sink.Events(audit.EventSecretStored)
	require.Len(t, stored, 1)
	for _, v := range stored[0].Detail {
		assert.NotEqual(t, "ghp_supersecretvalue", v)
	}
	assert.Equal(t, "github_token", stored[0].Detail["name"])
	assert.True(t, b.Available("github_token"))
	assert.False(t, b.Available("nope"))
}

func TestBroker_DeleteFallsBackToEnv(t *testing.T) {
	s, _ := openTestStore(t, 0)
	sink := &audit.Memory{}
	b := NewBroker(s, sink, fakeEnv(map[string]string{"OPENAI_API_KEY": "sk-from-env-123"}))
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, OpenAIAPIKey, "sk-from-store-456", "cli", false))
	require.NoError(t, b.Delete(ctx, OpenAIAPIKey, "cli"))
	assert.Equal(t, 0, s.Len())

	v, err := b.MustFetch(ctx, OpenAIAPIKey, RequestorProvider)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env-123", v)

	assert.ErrorIs(t, b.Delete(ctx, OpenAIAPIKey, "cli"), ErrSecretNotFound)
	deleted := sink.Events(audit.EventSecretDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, OpenAIAPIKey, deleted[0].Detail["name"])
	assert.Equal(t, "cli", deleted[0].Detail["source"])
}

func TestBroker_NoStore(t *testing.T) {
	b := NewBroker(nil, nil, fakeEnv(map[string]string{"LATCH_WEBHOOK_TOKEN": "hook-token-1"}))
	v, ok := b.Fetch(context.Background(), WebhookToken, RequestorMessenger)
	assert.True(t, ok)
	assert.Equal(t, "hook-token-1", v)
	assert.Error(t, b.Store(context.Background(), "x", "y", "cli", false))
	assert.Error(t, b.Delete(context.Background(), "x", "cli"))
}

func TestBroker_CustomGrants(t *testing.T) {
	b := NewBroker(nil, nil,
		WithGrants(Grants{"custom": {"tool"}}),
		WithEnv(map[string]string{"custom": "CUSTOM"}),
		fakeEnv(map[string]string{"CUSTOM": "c-value"}))
	_, ok := b.Fetch(context.Background(), "custom", "tool")
	assert.True(t, ok)
	_, ok = b.Fetch(context.Background(), OpenAIAPIKey, RequestorProvider)
	assert.False(t, ok)
}
