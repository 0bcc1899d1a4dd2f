package netguard

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers from a fixed table.
type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, len(ips))
	for i, s := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out, nil
}

// rebindResolver answers with a public address once, then a private one.
type rebindResolver struct{ calls atomic.Int32 }

func (r *rebindResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	if r.calls.Add(1) == 1 {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
}

func TestValidate_PrivateTargets(t *testing.T) {
	resolver := fakeResolver{
		"loop.test":    {"127.0.0.1"},
		"ten.test":     {"10.0.0.1"},
		"home.test":    {"192.168.1.1"},
		"link.test":    {"169.254.1.1"},
		"v6loop.test":  {"::1"},
		"mixed.test":   {"93.184.216.34", "10.1.2.3"},
		"cgnat.test":   {"100.64.0.1"},
		"ula.test":     {"fd00::1"},
		"mapped.test":  {"::ffff:127.0.0.1"},
		"public.test":  {"93.184.216.34"},
		"public6.test": {"2606:2800:220:1:248:1893:25c8:1946"},
	}
	v := NewValidator(Options{Resolver: resolver})
	ctx := context.Background()

	for _, host := range []string{"loop.test", "ten.test", "home.test", "link.test", "v6loop.test", "mixed.test", "cgnat.test", "ula.test", "mapped.test"} {
		t.Run(host, func(t *testing.T) {
			_, err := v.Validate(ctx, "https://"+host+"/x", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPrivateAddress)
			assert.ErrorIs(t, err, ErrSecurityViolation)
		})
	}

	for _, host := range []string{"public.test", "public6.test"} {
		u, err := v.Validate(ctx, "https://"+host+"/path?q=1", nil)
		require.NoError(t, err, host)
		assert.Equal(t, host, u.Hostname())
	}
}

func TestValidate_IPLiterals(t *testing.T) {
	v := NewValidator(Options{Resolver: fakeResolver{}})
	ctx := context.Background()
	for _, raw := range []string{
		"http://127.0.0.1/",
		"http://127.1.2.3:8080/",
		"http://0.0.0.0/",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://[::ffff:10.0.0.1]/",
		"http://[64:ff9b::a00:1]/",
		"http://[2002:c0a8:101::1]/",
		"http://[fe80::1]/",
		"http://255.255.255.255/",
		"http://198.18.0.5/",
	} {
		_, err := v.Validate(ctx, raw, nil)
		assert.ErrorIs(t, err, ErrPrivateAddress, raw)
	}
	_, err := v.Validate(ctx, "http://8.8.8.8/", nil)
	assert.NoError(t, err)
}

func TestValidate_SchemeAndSyntax(t *testing.T) {
	v := NewValidator(Options{Resolver: fakeResolver{}})
	for _, raw := range []string{"ftp://example.com/", "file:///etc/passwd", "javascript:alert(1)", "http://", "://nope", "gopher://x"} {
		_, err := v.Validate(context.Background(), raw, nil)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrValidation, raw)
		assert.False(t, errors.Is(err, ErrSecurityViolation), raw)
	}
}

func TestValidate_UnresolvableHostFailsClosed(t *testing.T) {
	v := NewValidator(Options{Resolver: fakeResolver{}})
	_, err := v.Validate(context.Background(), "https://nowhere.test/", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidate_SecretExfiltration(t *testing.T) {
	v := NewValidator(Options{Resolver: fakeResolver{"public.test": {"93.184.216.34"}}})
	secrets := SensitiveValues{"tvly-supersecret", "abc"}
	ctx := context.Background()

	_, err := v.Validate(ctx, "https://public.test/?k=tvly-supersecret", secrets)
	assert.ErrorIs(t, err, ErrSecretInURL)
	assert.ErrorIs(t, err, ErrSecurityViolation)
	assert.NotContains(t, err.Error(), "tvly-supersecret")

	_, err = v.Validate(ctx, "https://public.test/tvly-%73upersecret", secrets)
	assert.ErrorIs(t, err, ErrSecretInURL, "percent-encoded secret")

	_, err = v.Validate(ctx, "https://public.test/abcdef", secrets)
	assert.NoError(t, err, "short values are ignored")
}

func TestValidate_SecretCheckedBeforeLists(t *testing.T) {
	v := NewValidator(Options{BlockedDomains: []string{"evil.test"}, Resolver: fakeResolver{}})
	_, err := v.Validate(context.Background(), "https://evil.test/?s=0123456789", SensitiveValues{"0123456789"})
	assert.ErrorIs(t, err, ErrSecretInURL)
}

func TestValidate_BlockAndAllowLists(t *testing.T) {
	resolver := fakeResolver{
		"evil.com":     {"93.184.216.34"},
		"a.evil.com":   {"93.184.216.34"},
		"notevil.com":  {"93.184.216.34"},
		"docs.go.dev":  {"93.184.216.34"},
		"example.org":  {"93.184.216.34"},
		"internal.lan": {"10.0.0.5"},
	}
	ctx := context.Background()

	v := NewValidator(Options{BlockedDomains: []string{"*.evil.com"}, Resolver: resolver})
	_, err := v.Validate(ctx, "https://evil.com/", nil)
	assert.ErrorIs(t, err, ErrBlockedDomain)
	_, err = v.Validate(ctx, "https://A.Evil.Com./", nil)
	assert.ErrorIs(t, err, ErrBlockedDomain)
	_, err = v.Validate(ctx, "https://notevil.com/", nil)
	assert.NoError(t, err)

	v = NewValidator(Options{AllowedDomains: []string{"*.go.dev"}, Resolver: resolver})
	_, err = v.Validate(ctx, "https://docs.go.dev/", nil)
	assert.NoError(t, err)
	_, err = v.Validate(ctx, "https://example.org/", nil)
	assert.ErrorIs(t, err, ErrNotAllowlisted)
	assert.ErrorIs(t, err, ErrSecurityViolation)
}

func TestValidate_BypassSkipsAddressCheckOnly(t *testing.T) {
	resolver := fakeResolver{"internal.lan": {"10.0.0.5"}}
	v := NewValidator(Options{
		BypassHosts:    []string{"internal.lan", "127.0.0.1"},
		BlockedDomains: []string{"127.0.0.1"},
		Resolver:       resolver,
	})
	_, err := v.Validate(context.Background(), "http://internal.lan:8080/", nil)
	assert.NoError(t, err)
	_, err = v.Validate(context.Background(), "http://127.0.0.1/", nil)
	assert.ErrorIs(t, err, ErrBlockedDomain)
}

func TestIsReserved(t *testing.T) {
	for _, s := range []string{"100.127.255.255", "192.0.0.8", "240.0.0.1", "224.0.0.1", "ff02::1", "fc00::1", "::"} {
		assert.True(t, IsReserved(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"1.1.1.1", "100.128.0.1", "2001:4860:4860::8888", "172.32.0.1"} {
		assert.False(t, IsReserved(netip.MustParseAddr(s)), s)
	}
	assert.True(t, IsReserved(netip.Addr{}))
}
