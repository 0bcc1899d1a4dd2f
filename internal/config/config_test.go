package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/latch/internal/policy"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetEnvPrefix("LATCH")
	v.AutomaticEnv()
	SetDefaults(v)
	v.Set(KeyDataDir, t.TempDir())
	return v
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LATCH_PASSPHRASE", "")
	t.Setenv("LATCH_SIGNING_KEY", "")
	v := newViper(t)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	assert.Equal(t, policy.PostureBalanced, cfg.Posture())
	assert.Equal(t, DefaultRatchetThreshold, cfg.RatchetThreshold)
	assert.Equal(t, DefaultMaxRedirects, cfg.MaxRedirects)
	assert.Equal(t, DefaultFetchTimeout, cfg.FetchTimeout)
	assert.True(t, cfg.UsingDefaultKeys())
	assert.Len(t, cfg.Passphrase, 64)
	assert.Equal(t, filepath.Join(cfg.DataDir, "rules.jsonl"), cfg.RulesPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, DefaultPolicyFile), cfg.PolicyPath())
	assert.Equal(t, filepath.Join(cfg.DataDir, DefaultInjectionPatternsFile), cfg.InjectionPatternsPath())
}

func TestLoad_InjectionPatternsFile(t *testing.T) {
	v := newViper(t)
	v.Set(KeyInjectionPatternsFile, "custom/patterns.yaml")
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DataDir, "custom", "patterns.yaml"), cfg.InjectionPatternsPath())

	abs := filepath.Join(t.TempDir(), "patterns.yaml")
	v.Set(KeyInjectionPatternsFile, abs)
	cfg, err = LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, abs, cfg.InjectionPatternsPath())
}

func TestLoad_DerivedKeysAreStablePerDataDir(t *testing.T) {
	v := newViper(t)
	a, err := LoadFrom(v)
	require.NoError(t, err)
	b, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, a.Passphrase, b.Passphrase)
	assert.NotEqual(t, a.Passphrase, a.SigningKey)

	other := newViper(t)
	c, err := LoadFrom(other)
	require.NoError(t, err)
	assert.NotEqual(t, a.Passphrase, c.Passphrase)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("LATCH_PASSPHRASE", "correct horse battery staple")
	t.Setenv("LATCH_SIGNING_KEY", "my-signing-key-at-least-32-chars!")
	t.Setenv("LATCH_POSTURE", "conservative")
	t.Setenv("LATCH_BLOCKED_DOMAINS", "evil.com, *.tracker.net")
	t.Setenv("LATCH_FETCH_TIMEOUT", "3s")
	t.Setenv("LATCH_ENCRYPT_RULES", "true")
	v := newViper(t)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.False(t, cfg.UsingDefaultKeys())
	assert.Equal(t, policy.PostureConservative, cfg.Posture())
	assert.Equal(t, []string{"evil.com", "*.tracker.net"}, cfg.BlockedDomains())
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.Equal(t, filepath.Join(cfg.DataDir, "rules.jsonl.enc"), cfg.RulesPath())
}

func TestLoad_ViewReturnsCopies(t *testing.T) {
	v := newViper(t)
	v.Set(KeyAllowedDomains, []string{"example.com"})
	cfg, err := LoadFrom(v)
	require.NoError(t, err)

	var view View = cfg
	got := view.AllowedDomains()
	got[0] = "mutated.example"
	assert.Equal(t, []string{"example.com"}, cfg.AllowedDomains())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{"unknown posture", KeyPosture, "reckless", "unknown posture"},
		{"weak kdf", KeyKDFIterations, 1000, "kdf_iterations"},
		{"short signing key", KeySigningKey, "too-short", "signing_key"},
		{"zero ratchet", KeyRatchetThreshold, 0, "ratchet_threshold"},
		{"zero redirects", KeyMaxRedirects, 0, "max_redirects"},
		{"zero max rules", KeyMaxRules, 0, "max_rules"},
		{"negative rpm", KeyFetchRPM, -1, "fetch_rpm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)
			_, err := LoadFrom(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
