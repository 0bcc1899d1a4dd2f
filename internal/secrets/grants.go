package secrets

// Requestors known to the daemon.
const (
	RequestorProvider  = "provider"
	RequestorSearch    = "search"
	RequestorMessenger = "messenger"
)

// Secret names known to the daemon.
const (
	OpenAIAPIKey = "openai_api_key"
	TavilyAPIKey = "tavily_api_key"
	WebhookToken = "webhook_token"
)

// Grants maps a secret name to the requestors allowed to read it.
type Grants map[string][]string

// Allows reports whether requestor may read name.
func (g Grants) Allows(name, requestor string) bool {
	for _, r := range g[name] {
		if r == requestor {
			return true
		}
	}
	return false
}

// DefaultGrants is the static grant table.
func DefaultGrants() Grants {
	return Grants{
		OpenAIAPIKey: {RequestorProvider},
		TavilyAPIKey: {RequestorSearch},
		WebhookToken: {RequestorMessenger},
	}
}

// DefaultEnv maps secret names to the environment variables consulted when the store has no value.
func DefaultEnv() map[string]string {
	return map[string]string{
		OpenAIAPIKey: "OPENAI_API_KEY",
		TavilyAPIKey: "TAVILY_API_KEY",
		WebhookToken: "LATCH_WEBHOOK_TOKEN",
	}
}
