package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/injection"
	"github.com/dativo-io/latch/internal/netguard"
	"github.com/dativo-io/latch/internal/policy"
)

// Fetcher is the subset of netguard.Fetcher used by the network actions.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*netguard.Response, error)
	PostJSON(ctx context.Context, rawURL string, body any, headers map[string]string) (*netguard.Response, error)
}

// FetchURL reads one web page.
type FetchURL struct {
	fetcher Fetcher
	scanner *injection.Scanner
	audit   audit.Sink
}

// NewFetchURL builds the action. scanner may be nil.
func NewFetchURL(f Fetcher, scanner *injection.Scanner, sink audit.Sink) *FetchURL {
	return &FetchURL{fetcher: f, scanner: scanner, audit: sink}
}

// Descriptor implements gate.Action. The policy context carries the host as "domain".
func (a *FetchURL) Descriptor() gate.Descriptor {
	return gate.Descriptor{
		Name:        policy.ActionFetchURL,
		Description: "Fetch a web page over http(s) and return its text content.",
		Parameters: objectSchema([]string{"url"}, map[string]any{
			"url": map[string]any{"type": "string", "description": "absolute http or https URL"},
		}),
		Capabilities: []gate.Capability{gate.CapNetwork},
		Sensitive:    []string{"url"},
		Context:      domainContext("url"),
	}
}

// Invoke implements gate.Action.
func (a *FetchURL) Invoke(ctx context.Context, args map[string]any) (string, error) {
	tc, err := currentTurn(ctx)
	if err != nil {
		return "", err
	}
	raw, err := requireString(args, "url")
	if err != nil {
		return "", err
	}

	resp, err := a.fetcher.Get(ctx, raw)
	if err != nil {
		return fetchFailure(ctx, a.audit, policy.ActionFetchURL, raw, err), nil
	}

	scanUntrusted(ctx, a.scanner, a.audit, tc, policy.ActionFetchURL, hostOf(resp.URL), resp.Text)

	var b strings.Builder
	fmt.Fprintf(&b, "status: %d\n", resp.StatusCode)
	if resp.ContentType != "" {
		fmt.Fprintf(&b, "content-type: %s\n", resp.ContentType)
	}
	if resp.Truncated {
		b.WriteString("note: response truncated\n")
	}
	b.WriteString("\n")
	b.WriteString(resp.Text)
	return tc.Wrap("fetch_url "+resp.URL, b.String()), nil
}

// fetchFailure turns a fetch error into the text the model sees. Security
// rejections are audited with the host only; the full URL may carry a secret.
func fetchFailure(ctx context.Context, sink audit.Sink, action, raw string, err error) string {
	host := hostOf(raw)
	switch {
	case errors.Is(err, netguard.ErrSecurityViolation):
		log.Warn().Str("action", action).Str("host", host).Err(securityReason(err)).Msg("security_violation")
		record(ctx, sink, audit.EventSecurityViolation, map[string]any{
			"action": action,
			"host":   host,
			"reason": securityReason(err).Error(),
		})
		return fmt.Sprintf("Request blocked: %s. Do not retry this URL.", securityReason(err))
	case errors.Is(err, netguard.ErrValidation):
		return fmt.Sprintf("Invalid URL: %v", err)
	default:
		log.Info().Str("action", action).Str("host", host).Err(err).Msg("fetch_failed")
		return fmt.Sprintf("Fetch failed: %v", err)
	}
}

// securityReason picks the specific sentinel so messages never echo URL parts.
func securityReason(err error) error {
	for _, specific := range []error{
		netguard.ErrSecretInURL,
		netguard.ErrBlockedDomain,
		netguard.ErrNotAllowlisted,
		netguard.ErrPrivateAddress,
		netguard.ErrTooManyRedirects,
	} {
		if errors.Is(err, specific) {
			return specific
		}
	}
	return netguard.ErrSecurityViolation
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func domainContext(arg string) func(map[string]any) map[string]string {
	return func(args map[string]any) map[string]string {
		raw, ok := gate.StringArg(args, arg)
		if !ok {
			return nil
		}
		if h := hostOf(raw); h != "" {
			return map[string]string{"domain": h}
		}
		return nil
	}
}
