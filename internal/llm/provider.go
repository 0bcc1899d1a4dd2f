// Package llm talks to the chat model. The agent loop only sees Provider;
// the OpenAI-compatible implementation lives in openai.go.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds one model round trip.
const TimeoutLLMCall = 60 * time.Second

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrNoChoices is returned when the model answers with nothing.
var ErrNoChoices = errors.New("model returned no choices")

// Provider is a chat model with tool calling.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Generate sends one completion request.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is one completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []Tool
}

// Message is one chat message. Assistant messages may carry ToolCalls;
// tool messages answer exactly one call via ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool is one callable action as advertised to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Response is the model's answer.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	ToolCalls    []ToolCall
}

// ToolCall is a request from the model to run a tool. Arguments is nil when
// RawArguments was not a JSON object.
type ToolCall struct {
	ID           string
	Name         string
	Arguments    map[string]interface{}
	RawArguments string
}
