package netguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	latchotel "github.com/dativo-io/latch/internal/otel"
	"github.com/dativo-io/latch/internal/policy"
)

// MinSecretLength is the shortest secret value the exfiltration guard looks for.
const MinSecretLength = 8

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/netguard")

var rejections metric.Int64Counter

func init() {
	rejections, _ = latchotel.Meter("github.com/dativo-io/latch/internal/netguard").Int64Counter(
		"netguard.rejections", metric.WithDescription("URLs rejected before fetch"))
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SensitiveSource supplies every secret value currently known to the daemon.
type SensitiveSource interface {
	SensitiveValues() []string
}

// Options configures a Validator. Domain patterns are exact hosts or "*.suffix".
type Options struct {
	BlockedDomains []string
	AllowedDomains []string
	// BypassHosts skip the address check only; block and allow lists still apply.
	BypassHosts []string
	Resolver    Resolver
}

// Validator applies the pre-fetch checks. It holds no per-request state.
type Validator struct {
	blocked  []string
	allowed  []string
	bypass   map[string]bool
	resolver Resolver
}

// NewValidator builds a Validator. A nil Resolver uses net.DefaultResolver.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		blocked:  normalizeList(opts.BlockedDomains),
		allowed:  normalizeList(opts.AllowedDomains),
		bypass:   make(map[string]bool, len(opts.BypassHosts)),
		resolver: opts.Resolver,
	}
	for _, h := range opts.BypassHosts {
		v.bypass[normalizeHost(h)] = true
	}
	if v.resolver == nil {
		v.resolver = net.DefaultResolver
	}
	return v
}

// Validate runs, in order: scheme and host syntax, the secret exfiltration
// guard, the block and allow lists, and the resolved-address check. The first
// failure is returned.
func (v *Validator) Validate(ctx context.Context, rawURL string, sensitive SensitiveSource) (*url.URL, error) {
	ctx, span := tracer.Start(ctx, "netguard.validate")
	defer span.End()

	u, err := v.validate(ctx, rawURL, sensitive)
	if err != nil {
		span.SetAttributes(attribute.String("netguard.rejected", err.Error()))
		rejections.Add(ctx, 1)
		return nil, err
	}
	span.SetAttributes(attribute.String("netguard.host", u.Hostname()))
	return u, nil
}

func (v *Validator) validate(ctx context.Context, rawURL string, sensitive SensitiveSource) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrValidation, u.Scheme)
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrValidation)
	}

	if err := checkSecrets(rawURL, sensitive); err != nil {
		return nil, err
	}

	if matchAny(v.blocked, host) {
		return nil, fmt.Errorf("%w: %w: %s", ErrSecurityViolation, ErrBlockedDomain, host)
	}
	if len(v.allowed) > 0 && !matchAny(v.allowed, host) {
		return nil, fmt.Errorf("%w: %w: %s", ErrSecurityViolation, ErrNotAllowlisted, host)
	}

	if v.IsBypass(host) {
		return u, nil
	}
	if _, err := v.ResolveChecked(ctx, host); err != nil {
		return nil, err
	}
	return u, nil
}

// IsBypass reports whether host skips the address check.
func (v *Validator) IsBypass(host string) bool {
	return v.bypass[normalizeHost(host)]
}

// ResolveChecked resolves host (or parses it as an IP literal) and fails if
// any address is reserved. It returns every address on success.
func (v *Validator) ResolveChecked(ctx context.Context, host string) ([]netip.Addr, error) {
	host = normalizeHost(host)
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsReserved(addr) {
			return nil, fmt.Errorf("%w: %w: %s", ErrSecurityViolation, ErrPrivateAddress, addr)
		}
		return []netip.Addr{addr}, nil
	}

	ipAddrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrValidation, host, err)
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no addresses", ErrValidation, host)
	}
	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok || IsReserved(addr) {
			return nil, fmt.Errorf("%w: %w: %s -> %s", ErrSecurityViolation, ErrPrivateAddress, host, ia.IP)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

func checkSecrets(rawURL string, sensitive SensitiveSource) error {
	if sensitive == nil {
		return nil
	}
	candidates := []string{rawURL}
	if dec, err := url.PathUnescape(rawURL); err == nil && dec != rawURL {
		candidates = append(candidates, dec)
	}
	if dec, err := url.QueryUnescape(rawURL); err == nil && dec != rawURL {
		candidates = append(candidates, dec)
	}
	for _, secret := range sensitive.SensitiveValues() {
		if len(secret) < MinSecretLength {
			continue
		}
		for _, c := range candidates {
			if strings.Contains(c, secret) {
				return fmt.Errorf("%w: %w", ErrSecurityViolation, ErrSecretInURL)
			}
		}
	}
	return nil
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if policy.MatchHost(p, host) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, d := range in {
		if d = normalizeHost(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// SensitiveValues is a fixed SensitiveSource.
type SensitiveValues []string

// SensitiveValues implements SensitiveSource.
func (s SensitiveValues) SensitiveValues() []string { return s }
