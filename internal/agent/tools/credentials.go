package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/policy"
)

var credentialName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// SecretWriter persists secrets.
type SecretWriter interface {
	Store(ctx context.Context, name, value, source string, validated bool) error
}

// StoreCredential saves a secret the user pasted into the conversation.
type StoreCredential struct {
	secrets SecretWriter
}

// NewStoreCredential builds the action.
func NewStoreCredential(w SecretWriter) *StoreCredential {
	return &StoreCredential{secrets: w}
}

// Descriptor implements gate.Action. The value never enters policy context or audit.
func (a *StoreCredential) Descriptor() gate.Descriptor {
	return gate.Descriptor{
		Name:        policy.ActionStoreCredential,
		Description: "Store a credential the user provided (for example tavily_api_key) in the encrypted secret store.",
		Parameters: objectSchema([]string{"name", "value"}, map[string]any{
			"name":  map[string]any{"type": "string", "pattern": credentialName.String()},
			"value": map[string]any{"type": "string"},
		}),
		Capabilities: []gate.Capability{gate.CapSecretWrite},
		Sensitive:    []string{"value"},
		Context: func(args map[string]any) map[string]string {
			if name, ok := gate.StringArg(args, "name"); ok {
				return map[string]string{"name": name}
			}
			return nil
		},
	}
}

// Invoke implements gate.Action.
func (a *StoreCredential) Invoke(ctx context.Context, args map[string]any) (string, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return "", err
	}
	if !credentialName.MatchString(name) {
		return fmt.Sprintf("Credential name %q is invalid: use lower-case letters, digits and underscores.", name), nil
	}
	value, err := requireString(args, "value")
	if err != nil {
		return "", err
	}
	if err := a.secrets.Store(ctx, name, value, "chat", false); err != nil {
		return "", fmt.Errorf("storing credential %s: %w", name, err)
	}
	return fmt.Sprintf("Stored credential %q. Do not repeat its value.", name), nil
}
