package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/netguard"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/secrets"
)

// ErrMessengerNotConfigured is returned when no outbound channel is set up.
var ErrMessengerNotConfigured = errors.New("messenger not configured")

// Messenger delivers one outbound message.
type Messenger interface {
	Send(ctx context.Context, to, text string) error
}

// WebhookMessenger posts messages as JSON to a webhook through the guarded fetcher.
type WebhookMessenger struct {
	fetcher Fetcher
	secrets SecretSource
	audit   audit.Sink
	url     string
}

// NewWebhookMessenger builds a messenger. The bearer token comes from the
// broker under the messenger requestor.
func NewWebhookMessenger(f Fetcher, src SecretSource, sink audit.Sink, url string) *WebhookMessenger {
	return &WebhookMessenger{fetcher: f, secrets: src, audit: sink, url: url}
}

// Send implements Messenger.
func (m *WebhookMessenger) Send(ctx context.Context, to, text string) error {
	if m.url == "" {
		return ErrMessengerNotConfigured
	}
	headers := map[string]string{}
	if token, ok := m.secrets.Fetch(ctx, secrets.WebhookToken, secrets.RequestorMessenger); ok {
		headers["Authorization"] = "Bearer " + token
	}
	resp, err := m.fetcher.PostJSON(ctx, m.url, map[string]string{"to": to, "text": text}, headers)
	if err != nil {
		if errors.Is(err, netguard.ErrSecurityViolation) {
			fetchFailure(ctx, m.audit, policy.ActionSendMessage, m.url, err)
		}
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered with status %d", resp.StatusCode)
	}
	return nil
}

// SendMessage sends a message to a recipient on the user's behalf.
type SendMessage struct {
	messenger Messenger
}

// NewSendMessage builds the action.
func NewSendMessage(m Messenger) *SendMessage {
	return &SendMessage{messenger: m}
}

// Descriptor implements gate.Action. Rules can scope on "recipient".
func (a *SendMessage) Descriptor() gate.Descriptor {
	return gate.Descriptor{
		Name:        policy.ActionSendMessage,
		Description: "Send a text message to a recipient on the user's behalf.",
		Parameters: objectSchema([]string{"to", "text"}, map[string]any{
			"to":   map[string]any{"type": "string", "description": "recipient address or handle"},
			"text": map[string]any{"type": "string"},
		}),
		Capabilities: []gate.Capability{gate.CapOutboundMessage, gate.CapNetwork},
		Sensitive:    []string{"text"},
		Context: func(args map[string]any) map[string]string {
			if to, ok := gate.StringArg(args, "to"); ok {
				return map[string]string{"recipient": to}
			}
			return nil
		},
	}
}

// Invoke implements gate.Action.
func (a *SendMessage) Invoke(ctx context.Context, args map[string]any) (string, error) {
	to, err := requireString(args, "to")
	if err != nil {
		return "", err
	}
	text, err := requireString(args, "text")
	if err != nil {
		return "", err
	}
	if a.messenger == nil {
		return "Messaging is not configured.", nil
	}
	if err := a.messenger.Send(ctx, to, text); err != nil {
		if errors.Is(err, ErrMessengerNotConfigured) {
			return "Messaging is not configured.", nil
		}
		return "", fmt.Errorf("sending message: %w", err)
	}
	return fmt.Sprintf("Message sent to %s.", to), nil
}
