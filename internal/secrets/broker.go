package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/latch/internal/audit"
	latchotel "github.com/dativo-io/latch/internal/otel"
)

// ErrSecretUnavailable is returned by MustFetch when no value can be released.
// It deliberately covers both "no grant" and "no value".
var ErrSecretUnavailable = errors.New("secret unavailable")

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/secrets")

var denials metric.Int64Counter

func init() {
	denials, _ = latchotel.Meter("github.com/dativo-io/latch/internal/secrets").Int64Counter(
		"secrets.denials", metric.WithDescription("secret fetches refused for lack of a grant"))
}

// Broker is the only path to secret values.
type Broker struct {
	store  *Store
	grants Grants
	env    map[string]string
	getenv func(string) string
	audit  audit.Sink
}

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithGrants replaces the grant table.
func WithGrants(g Grants) BrokerOption {
	return func(b *Broker) { b.grants = g }
}

// WithEnv replaces the environment fallback map.
func WithEnv(env map[string]string) BrokerOption {
	return func(b *Broker) { b.env = env }
}

// WithGetenv replaces os.Getenv, for tests.
func WithGetenv(fn func(string) string) BrokerOption {
	return func(b *Broker) { b.getenv = fn }
}

// NewBroker wraps store (which may be nil when no passphrase is configured;
// then only the environment fallback is consulted).
func NewBroker(store *Store, sink audit.Sink, opts ...BrokerOption) *Broker {
	if sink == nil {
		sink = audit.Discard{}
	}
	b := &Broker{
		store:  store,
		grants: DefaultGrants(),
		env:    DefaultEnv(),
		getenv: os.Getenv,
		audit:  sink,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Fetch returns the value of name for requestor. Without a grant it returns
// ("", false) exactly as if the secret did not exist, and audits the denial.
func (b *Broker) Fetch(ctx context.Context, name, requestor string) (string, bool) {
	ctx, span := tracer.Start(ctx, "secrets.fetch", trace.WithAttributes(
		attribute.String("secret.name", name),
		attribute.String("secret.requestor", requestor),
	))
	defer span.End()

	if !b.grants.Allows(name, requestor) {
		span.SetAttributes(attribute.Bool("secret.granted", false))
		denials.Add(ctx, 1)
		log.Warn().Str("secret", name).Str("requestor", requestor).Msg("secret_access_denied")
		if err := b.audit.Record(ctx, audit.EventSecretAccessDenied, map[string]any{
			"name":      name,
			"requestor": requestor,
		}); err != nil {
			log.Error().Err(err).Msg("audit_write_failed")
		}
		return "", false
	}
	span.SetAttributes(attribute.Bool("secret.granted", true))
	return b.lookup(name)
}

// MustFetch is Fetch that fails with ErrSecretUnavailable.
func (b *Broker) MustFetch(ctx context.Context, name, requestor string) (string, error) {
	v, ok := b.Fetch(ctx, name, requestor)
	if !ok {
		return "", fmt.Errorf("%s for %s: %w", name, requestor, ErrSecretUnavailable)
	}
	return v, nil
}

func (b *Broker) lookup(name string) (string, bool) {
	if b.store != nil {
		if r, ok := b.store.get(name); ok && r.Value != "" {
			return r.Value, true
		}
	}
	if envName, ok := b.env[name]; ok {
		if v := b.getenv(envName); v != "" {
			return v, true
		}
	}
	return "", false
}

// Store persists a value. The audit record names the secret but never carries the value.
func (b *Broker) Store(ctx context.Context, name, value, source string, validated bool) error {
	if b.store == nil {
		return errors.New("secret store is not configured (set a passphrase)")
	}
	if err := b.store.Put(name, value, source, validated); err != nil {
		return err
	}
	log.Info().Str("secret", name).Str("source", source).Bool("validated", validated).Msg("secret_stored")
	if err := b.audit.Record(ctx, audit.EventSecretStored, map[string]any{
		"name":      name,
		"source":    source,
		"validated": validated,
	}); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}
	return nil
}

// Delete removes a stored value. Environment values are untouched.
func (b *Broker) Delete(ctx context.Context, name, source string) error {
	if b.store == nil {
		return errors.New("secret store is not configured (set a passphrase)")
	}
	if err := b.store.Delete(name); err != nil {
		return err
	}
	log.Info().Str("secret", name).Str("source", source).Msg("secret_deleted")
	if err := b.audit.Record(ctx, audit.EventSecretDeleted, map[string]any{
		"name":   name,
		"source": source,
	}); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}
	return nil
}

// Available reports whether a value exists for name in the store or the environment.
// It does not release the value and does not check grants.
func (b *Broker) Available(name string) bool {
	_, ok := b.lookup(name)
	return ok
}

// SensitiveValues returns every known secret value, for the URL exfiltration
// guard only. Store values win over environment values for the same name.
func (b *Broker) SensitiveValues() []string {
	byName := make(map[string]string)
	for name, envName := range b.env {
		if v := b.getenv(envName); v != "" {
			byName[name] = v
		}
	}
	if b.store != nil {
		for name, v := range b.store.values() {
			if v != "" {
				byName[name] = v
			}
		}
	}
	out := make([]string, 0, len(byName))
	for _, v := range byName {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Names lists names that have a value somewhere, sorted.
func (b *Broker) Names() []string {
	seen := make(map[string]bool)
	if b.store != nil {
		for _, m := range b.store.List() {
			seen[m.Name] = true
		}
	}
	for name, envName := range b.env {
		if b.getenv(envName) != "" {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
