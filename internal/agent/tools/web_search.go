package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/injection"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/secrets"
)

// DefaultSearchEndpoint is the Tavily search API.
const DefaultSearchEndpoint = "https://api.tavily.com/search"

// SecretSource hands out secrets by name to a fixed requestor.
type SecretSource interface {
	Fetch(ctx context.Context, name, requestor string) (string, bool)
}

// WebSearch queries the search API through the guarded fetcher.
type WebSearch struct {
	fetcher  Fetcher
	secrets  SecretSource
	scanner  *injection.Scanner
	audit    audit.Sink
	endpoint string
}

// NewWebSearch builds the action. An empty endpoint selects DefaultSearchEndpoint.
func NewWebSearch(f Fetcher, src SecretSource, scanner *injection.Scanner, sink audit.Sink, endpoint string) *WebSearch {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	return &WebSearch{fetcher: f, secrets: src, scanner: scanner, audit: sink, endpoint: endpoint}
}

// Descriptor implements gate.Action.
func (a *WebSearch) Descriptor() gate.Descriptor {
	return gate.Descriptor{
		Name:        policy.ActionWebSearch,
		Description: "Search the web and return titles, URLs and snippets of the top results.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":       map[string]any{"type": "string"},
			"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
		}),
		Capabilities: []gate.Capability{gate.CapNetwork},
	}
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Invoke implements gate.Action.
func (a *WebSearch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	tc, err := currentTurn(ctx)
	if err != nil {
		return "", err
	}
	query, err := requireString(args, "query")
	if err != nil {
		return "", err
	}
	key, ok := a.secrets.Fetch(ctx, secrets.TavilyAPIKey, secrets.RequestorSearch)
	if !ok {
		return "Web search is not configured: no search API key is available. Tell the user to run `latch secrets set tavily_api_key`.", nil
	}

	body := map[string]any{
		"query":       query,
		"max_results": intArg(args, "max_results", 5, 10),
	}
	resp, err := a.fetcher.PostJSON(ctx, a.endpoint, body, map[string]string{"Authorization": "Bearer " + key})
	if err != nil {
		return fetchFailure(ctx, a.audit, policy.ActionWebSearch, a.endpoint, err), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("Web search failed: the search service answered with status %d.", resp.StatusCode), nil
	}

	var parsed searchResponse
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return "Web search failed: the search service returned an unreadable response.", nil
	}

	var b strings.Builder
	if parsed.Answer != "" {
		fmt.Fprintf(&b, "summary: %s\n\n", parsed.Answer)
	}
	for i, r := range parsed.Results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	if b.Len() == 0 {
		b.WriteString("no results")
	}
	text := b.String()
	scanUntrusted(ctx, a.scanner, a.audit, tc, policy.ActionWebSearch, hostOf(a.endpoint), text)
	return tc.Wrap("web_search", text), nil
}
