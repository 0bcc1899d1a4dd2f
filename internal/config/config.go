// Package config holds the operator-level configuration of a latch daemon.
//
// Values come from viper, which merges LATCH_* environment variables, the
// optional latch.config.yaml file and the defaults below. Credentials the
// model-facing actions need (search keys, webhook tokens, provider keys) do
// NOT belong here: they live in the encrypted secret store and are handed
// out by the secrets broker.
//
// The core packages never read viper directly. They receive a *Config or the
// narrow read-only View.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/policy"
)

// Viper keys. Each maps to an env var with the LATCH_ prefix
// (e.g. "passphrase" → LATCH_PASSPHRASE) and to a YAML field in
// latch.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeyPassphrase          = "passphrase"
	KeySigningKey          = "signing_key"
	KeyKDFIterations       = "kdf_iterations"
	KeyPosture             = "posture"
	KeyPolicyFile          = "policy_file"
	KeyBlockedDomains      = "blocked_domains"
	KeyAllowedDomains      = "allowed_domains"
	KeySSRFBypassHosts     = "ssrf_bypass_hosts"
	KeyMaxRules            = "max_rules"
	KeyMaxSecrets          = "max_secrets"
	KeyRatchetThreshold    = "ratchet_threshold"
	KeyEncryptRules        = "encrypt_rules"
	KeyFetchTimeout        = "fetch_timeout"
	KeyFetchConnectTimeout = "fetch_connect_timeout"
	KeyFetchMaxBytes       = "fetch_max_bytes"
	KeyMaxRedirects        = "max_redirects"
	KeyFetchRPM            = "fetch_rpm"
	KeyAuditRetentionDays  = "audit_retention_days"
	KeyModel               = "model"
	KeyModelBaseURL        = "model_base_url"
	KeyListenAddr          = "listen_addr"
	KeyAPIKeys             = "api_keys"
	KeySearchEndpoint      = "search_endpoint"
	KeyWebhookURL          = "webhook_url"
	KeyMaxIterations       = "max_iterations"

	KeyInjectionPatternsFile = "injection_patterns_file"
)

// Defaults that do not involve key material.
const (
	DefaultPolicyFile          = "policy.yaml"
	DefaultRatchetThreshold    = 5
	DefaultMaxRules            = 500
	DefaultMaxSecrets          = 64
	DefaultFetchTimeout        = 20 * time.Second
	DefaultFetchConnectTimeout = 5 * time.Second
	DefaultFetchMaxBytes       = 2 << 20
	DefaultMaxRedirects        = 5
	DefaultFetchRPM            = 60
	DefaultAuditRetentionDays  = 90
	DefaultModel               = "gpt-4o-mini"
	DefaultListenAddr          = "127.0.0.1:8470"
	DefaultMaxIterations       = 8

	DefaultInjectionPatternsFile = "injection.yaml"
)

// View is the read-only slice of configuration the trust layer consumes.
type View interface {
	BlockedDomains() []string
	AllowedDomains() []string
	SSRFBypassHosts() []string
	Posture() policy.Posture
}

// Config holds resolved configuration for one latch process.
type Config struct {
	DataDir             string
	Passphrase          string // secret store and optional rule ledger envelope
	SigningKey          string // HMAC-SHA256 key for audit and evidence (≥32 bytes)
	KDFIterations       int
	PostureName         string
	PolicyFile          string
	Blocked             []string
	Allowed             []string
	Bypass              []string
	MaxRules            int
	MaxSecrets          int
	RatchetThreshold    int
	EncryptRules        bool
	FetchTimeout        time.Duration
	FetchConnectTimeout time.Duration
	FetchMaxBytes       int64
	MaxRedirects        int
	FetchRPM            int
	AuditRetentionDays  int
	Model               string
	ModelBaseURL        string
	ListenAddr          string
	APIKeys             []string
	SearchEndpoint      string
	WebhookURL          string
	MaxIterations       int

	// InjectionPatternsFile holds extra recognizers layered over the embedded set.
	InjectionPatternsFile string

	posture                policy.Posture
	usingDefaultPassphrase bool
	usingDefaultSigningKey bool
}

// BlockedDomains implements View.
func (c *Config) BlockedDomains() []string { return append([]string(nil), c.Blocked...) }

// AllowedDomains implements View.
func (c *Config) AllowedDomains() []string { return append([]string(nil), c.Allowed...) }

// SSRFBypassHosts implements View.
func (c *Config) SSRFBypassHosts() []string { return append([]string(nil), c.Bypass...) }

// Posture implements View.
func (c *Config) Posture() policy.Posture { return c.posture }

// UsingDefaultKeys reports whether either key fell back to a derived default.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultPassphrase || c.usingDefaultSigningKey
}

// SecretsPath is the encrypted secret blob.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.DataDir, "secrets.enc")
}

// RulesPath is the approval ledger. The .enc suffix marks the enveloped form.
func (c *Config) RulesPath() string {
	if c.EncryptRules {
		return filepath.Join(c.DataDir, "rules.jsonl.enc")
	}
	return filepath.Join(c.DataDir, "rules.jsonl")
}

// AuditDir holds the daily audit files.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, "audit")
}

// EvidenceDBPath is the per-turn evidence database.
func (c *Config) EvidenceDBPath() string {
	return filepath.Join(c.DataDir, "evidence.db")
}

// MemoryDBPath is the knowledge memory database.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// PolicyPath resolves PolicyFile against the data directory when relative.
func (c *Config) PolicyPath() string {
	if filepath.IsAbs(c.PolicyFile) {
		return c.PolicyFile
	}
	return filepath.Join(c.DataDir, c.PolicyFile)
}

// InjectionPatternsPath resolves InjectionPatternsFile like PolicyPath.
// A missing file means no extra recognizers.
func (c *Config) InjectionPatternsPath() string {
	if filepath.IsAbs(c.InjectionPatternsFile) {
		return c.InjectionPatternsFile
	}
	return filepath.Join(c.DataDir, c.InjectionPatternsFile)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when key material was derived rather than configured.
// Suppressed when LATCH_QUICKSTART=1 or true.
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultPassphrase {
		log.Warn().Msg("Using generated default LATCH_PASSPHRASE; set it via env var or config file to protect stored secrets")
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default LATCH_SIGNING_KEY; set it via env var or config file for tamper-evident audit logs")
	}
}

func isQuickstart() bool {
	v := os.Getenv("LATCH_QUICKSTART")
	return v == "1" || strings.EqualFold(v, "true")
}

func init() {
	viper.SetEnvPrefix("LATCH")
	viper.AutomaticEnv()
	SetDefaults(viper.GetViper())
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPolicyFile, DefaultPolicyFile)
	v.SetDefault(KeyPosture, policy.PostureBalanced.String())
	v.SetDefault(KeyKDFIterations, cryptoutil.DefaultIterations)
	v.SetDefault(KeyMaxRules, DefaultMaxRules)
	v.SetDefault(KeyMaxSecrets, DefaultMaxSecrets)
	v.SetDefault(KeyRatchetThreshold, DefaultRatchetThreshold)
	v.SetDefault(KeyFetchTimeout, DefaultFetchTimeout)
	v.SetDefault(KeyFetchConnectTimeout, DefaultFetchConnectTimeout)
	v.SetDefault(KeyFetchMaxBytes, DefaultFetchMaxBytes)
	v.SetDefault(KeyMaxRedirects, DefaultMaxRedirects)
	v.SetDefault(KeyFetchRPM, DefaultFetchRPM)
	v.SetDefault(KeyAuditRetentionDays, DefaultAuditRetentionDays)
	v.SetDefault(KeyModel, DefaultModel)
	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyMaxIterations, DefaultMaxIterations)
	v.SetDefault(KeyInjectionPatternsFile, DefaultInjectionPatternsFile)
}

// Load resolves configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom resolves and validates configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(v),
		Passphrase:          v.GetString(KeyPassphrase),
		SigningKey:          v.GetString(KeySigningKey),
		KDFIterations:       v.GetInt(KeyKDFIterations),
		PostureName:         v.GetString(KeyPosture),
		PolicyFile:          v.GetString(KeyPolicyFile),
		Blocked:             stringList(v, KeyBlockedDomains),
		Allowed:             stringList(v, KeyAllowedDomains),
		Bypass:              stringList(v, KeySSRFBypassHosts),
		MaxRules:            v.GetInt(KeyMaxRules),
		MaxSecrets:          v.GetInt(KeyMaxSecrets),
		RatchetThreshold:    v.GetInt(KeyRatchetThreshold),
		EncryptRules:        v.GetBool(KeyEncryptRules),
		FetchTimeout:        v.GetDuration(KeyFetchTimeout),
		FetchConnectTimeout: v.GetDuration(KeyFetchConnectTimeout),
		FetchMaxBytes:       v.GetInt64(KeyFetchMaxBytes),
		MaxRedirects:        v.GetInt(KeyMaxRedirects),
		FetchRPM:            v.GetInt(KeyFetchRPM),
		AuditRetentionDays:  v.GetInt(KeyAuditRetentionDays),
		Model:               v.GetString(KeyModel),
		ModelBaseURL:        v.GetString(KeyModelBaseURL),
		ListenAddr:          v.GetString(KeyListenAddr),
		APIKeys:             stringList(v, KeyAPIKeys),
		SearchEndpoint:      v.GetString(KeySearchEndpoint),
		WebhookURL:          v.GetString(KeyWebhookURL),
		MaxIterations:       v.GetInt(KeyMaxIterations),

		InjectionPatternsFile: v.GetString(KeyInjectionPatternsFile),
	}

	if cfg.Passphrase == "" {
		cfg.Passphrase = deriveDefaultKey(cfg.DataDir, "secret-store")
		cfg.usingDefaultPassphrase = true
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// stringList accepts both YAML lists and comma-separated env values.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".latch"
	}
	return filepath.Join(home, ".latch")
}

// deriveDefaultKey produces a deterministic per-machine fallback from the
// data directory path and a label. It is NOT a substitute for a real
// passphrase; it only lets `latch chat` work before one is configured.
func deriveDefaultKey(dataDir, label string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("latch:%s:%s", dataDir, label)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	p, err := policy.ParsePosture(c.PostureName)
	if err != nil {
		return err
	}
	c.posture = p
	if c.KDFIterations < cryptoutil.MinIterations {
		return fmt.Errorf("kdf_iterations must be at least %d (got %d)", cryptoutil.MinIterations, c.KDFIterations)
	}
	if _, err := cryptoutil.ResolveKey(c.SigningKey, cryptoutil.MinSigningKeyBytes); err != nil {
		return fmt.Errorf("signing_key: %w; set LATCH_SIGNING_KEY", err)
	}
	if c.MaxRules <= 0 {
		return fmt.Errorf("max_rules must be positive")
	}
	if c.MaxSecrets <= 0 {
		return fmt.Errorf("max_secrets must be positive")
	}
	if c.RatchetThreshold <= 0 {
		return fmt.Errorf("ratchet_threshold must be positive")
	}
	if c.FetchTimeout <= 0 || c.FetchConnectTimeout <= 0 {
		return fmt.Errorf("fetch_timeout and fetch_connect_timeout must be positive")
	}
	if c.MaxRedirects <= 0 {
		return fmt.Errorf("max_redirects must be positive")
	}
	if c.FetchMaxBytes <= 0 {
		return fmt.Errorf("fetch_max_bytes must be positive")
	}
	if c.FetchRPM < 0 {
		return fmt.Errorf("fetch_rpm must not be negative")
	}
	return nil
}
