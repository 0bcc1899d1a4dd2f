package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/latch/internal/agent"
	"github.com/dativo-io/latch/internal/agent/tools"
	"github.com/dativo-io/latch/internal/approval"
	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/config"
	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/evidence"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/injection"
	"github.com/dativo-io/latch/internal/llm"
	"github.com/dativo-io/latch/internal/memory"
	"github.com/dativo-io/latch/internal/netguard"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/secrets"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	return cfg, nil
}

func openAudit(cfg *config.Config) (*audit.Log, error) {
	signer, err := cryptoutil.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	return audit.Open(cfg.AuditDir(), signer)
}

func newSealer(cfg *config.Config) (*cryptoutil.Sealer, error) {
	return cryptoutil.NewSealer(cfg.Passphrase, cfg.KDFIterations)
}

// openRules opens the rule ledger. A ledger that fails to decrypt is
// audited as a security violation before the error is returned.
func openRules(ctx context.Context, cfg *config.Config, sealer *cryptoutil.Sealer, sink audit.Sink) (*approval.Store, error) {
	opts := approval.Options{MaxRules: cfg.MaxRules}
	if cfg.EncryptRules {
		opts.Sealer = sealer
	}
	store, err := approval.Open(cfg.RulesPath(), opts)
	if err != nil {
		return nil, auditDecryptFailure(ctx, sink, "rule_store", err)
	}
	return store, nil
}

func openBroker(ctx context.Context, cfg *config.Config, sealer *cryptoutil.Sealer, sink audit.Sink) (*secrets.Store, *secrets.Broker, error) {
	store, err := secrets.OpenStore(cfg.SecretsPath(), sealer, cfg.MaxSecrets)
	if err != nil {
		return nil, nil, auditDecryptFailure(ctx, sink, "secret_store", err)
	}
	return store, secrets.NewBroker(store, sink), nil
}

// auditDecryptFailure records security_violation when err is an envelope
// authentication failure (wrong passphrase or tampered file). err is
// returned unchanged either way.
func auditDecryptFailure(ctx context.Context, sink audit.Sink, component string, err error) error {
	if !errors.Is(err, cryptoutil.ErrDecrypt) {
		return err
	}
	log.Error().Str("component", component).Msg("store_decrypt_failed")
	if rerr := sink.Record(ctx, audit.EventSecurityViolation, map[string]any{
		"component": component,
		"reason":    "decrypt_failed",
	}); rerr != nil {
		log.Error().Err(rerr).Msg("audit_write_failed")
	}
	return err
}

// newInjectionScanner layers the user's recognizer file over the embedded
// set. Entries with an existing name replace it (enabled: false turns one off).
func newInjectionScanner(cfg *config.Config) (*injection.Scanner, error) {
	defaults, err := injection.DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	custom, err := injection.LoadRecognizers(cfg.InjectionPatternsPath())
	if err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		log.Info().Int("recognizers", len(custom)).Str("path", cfg.InjectionPatternsPath()).Msg("custom_injection_recognizers_loaded")
	}
	scanner, err := injection.NewScanner(injection.Merge(defaults, custom))
	if err != nil {
		return nil, fmt.Errorf("loading injection recognizers: %w", err)
	}
	return scanner, nil
}

// loadPolicyFile returns nil when the configured policy file does not exist.
func loadPolicyFile(ctx context.Context, cfg *config.Config) (*policy.File, error) {
	path := cfg.PolicyPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	base := cfg.DataDir
	if filepath.IsAbs(cfg.PolicyFile) {
		base = ""
	}
	return policy.LoadFile(ctx, path, base)
}

// buildPolicy layers builtin rules, persisted approvals and the policy file.
func buildPolicy(ctx context.Context, cfg *config.Config, rules *approval.Store) (*policy.Policy, error) {
	f, err := loadPolicyFile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	posture := cfg.Posture()
	var configRules []policy.Rule
	if f != nil {
		posture = f.EffectivePosture(posture)
		configRules = f.Rules
	}
	return policy.New(posture, policy.BuiltinRules(), rules.ActiveRules(), configRules), nil
}

// daemon owns every long-lived component of a running latch process.
type daemon struct {
	cfg      *config.Config
	audit    *audit.Log
	secrets  *secrets.Store
	broker   *secrets.Broker
	rules    *approval.Store
	fetcher  *netguard.Fetcher
	memory   *memory.Store
	evidence *evidence.Store
	actions  []gate.Action
	runner   *agent.Runner
}

func openDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}
	var err error

	if d.audit, err = openAudit(cfg); err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return nil, err
	}
	if d.secrets, d.broker, err = openBroker(ctx, cfg, sealer, d.audit); err != nil {
		return nil, fmt.Errorf("opening secret store: %w", err)
	}
	if d.rules, err = openRules(ctx, cfg, sealer, d.audit); err != nil {
		return nil, fmt.Errorf("opening rule store: %w", err)
	}

	validator := netguard.NewValidator(netguard.Options{
		BlockedDomains: cfg.BlockedDomains(),
		AllowedDomains: cfg.AllowedDomains(),
		BypassHosts:    cfg.SSRFBypassHosts(),
	})
	d.fetcher = netguard.NewFetcher(validator, d.broker, netguard.FetcherOptions{
		Timeout:           cfg.FetchTimeout,
		ConnectTimeout:    cfg.FetchConnectTimeout,
		MaxBytes:          cfg.FetchMaxBytes,
		MaxRedirects:      cfg.MaxRedirects,
		RequestsPerMinute: cfg.FetchRPM,
	})
	scanner, err := newInjectionScanner(cfg)
	if err != nil {
		return nil, err
	}

	if d.memory, err = memory.NewStore(cfg.MemoryDBPath()); err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}
	if d.evidence, err = openEvidence(cfg); err != nil {
		d.close()
		return nil, err
	}

	messenger := tools.NewWebhookMessenger(d.fetcher, d.broker, d.audit, cfg.WebhookURL)
	d.actions = []gate.Action{
		tools.NewFetchURL(d.fetcher, scanner, d.audit),
		tools.NewWebSearch(d.fetcher, d.broker, scanner, d.audit, cfg.SearchEndpoint),
		tools.NewRemember(d.memory, d.audit),
		tools.NewRecall(d.memory),
		tools.NewStoreCredential(d.broker),
		tools.NewSendMessage(messenger),
	}

	d.runner = agent.NewRunner(agent.Config{
		Provider:      d.provider(ctx),
		Model:         cfg.Model,
		Source:        d,
		Audit:         d.audit,
		Evidence:      d.evidence,
		MaxIterations: cfg.MaxIterations,
	})
	return d, nil
}

// provider returns nil when no API key is available for the public endpoint;
// turns then fail with agent.ErrNoProvider.
func (d *daemon) provider(ctx context.Context) llm.Provider {
	key, ok := d.broker.Fetch(ctx, secrets.OpenAIAPIKey, secrets.RequestorProvider)
	if !ok && d.cfg.ModelBaseURL == "" {
		log.Warn().Msg("no model API key: run `latch secrets set openai_api_key <key>` or set model_base_url")
		return nil
	}
	return llm.NewOpenAIProvider(key, d.cfg.ModelBaseURL)
}

// Policy implements server.PolicySource.
func (d *daemon) Policy(ctx context.Context) (*policy.Policy, error) {
	return buildPolicy(ctx, d.cfg, d.rules)
}

// Actions implements agent.ActionSource: a fresh policy snapshot and freshly
// gated actions for every turn.
func (d *daemon) Actions(ctx context.Context) (*gate.Registry, *policy.Policy, error) {
	p, err := d.Policy(ctx)
	if err != nil {
		return nil, nil, err
	}
	reg := gate.NewRegistry()
	opts := []gate.Option{gate.WithRatchet(d.rules, d.cfg.RatchetThreshold)}
	if err := tools.Gated(reg, p, d.audit, opts, d.actions...); err != nil {
		return nil, nil, err
	}
	return reg, p, nil
}

func (d *daemon) close() {
	if d.memory != nil {
		_ = d.memory.Close()
	}
	if d.evidence != nil {
		_ = d.evidence.Close()
	}
}
