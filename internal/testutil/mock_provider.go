// Package testutil provides shared test helpers and mocks.
package testutil

import (
	"context"
	"sync"

	"github.com/dativo-io/latch/internal/llm"
)

// ScriptedProvider plays back a fixed sequence of responses (e.g. tool calls
// then a final answer) and records every request for assertions.
// Call N gets Responses[N], or the last one once the script runs out.
type ScriptedProvider struct {
	mu        sync.Mutex
	Responses []*llm.Response
	// ErrOnCall (1-based) makes that call return Err. 0 = never.
	ErrOnCall int
	Err       error
	// PanicOnCall (1-based) makes that call panic. 0 = never.
	PanicOnCall int
	calls       int
	received    [][]llm.Message
	tools       [][]llm.Tool
}

// Name implements llm.Provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Generate implements llm.Provider.
func (p *ScriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	msgs := make([]llm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	p.received = append(p.received, msgs)
	p.tools = append(p.tools, append([]llm.Tool(nil), req.Tools...))
	resps := p.Responses
	p.mu.Unlock()

	if p.PanicOnCall > 0 && n == p.PanicOnCall {
		panic("scripted provider panic")
	}
	if p.ErrOnCall > 0 && n == p.ErrOnCall && p.Err != nil {
		return nil, p.Err
	}
	if len(resps) == 0 {
		return &llm.Response{Content: "no responses configured", FinishReason: "stop", Model: req.Model}, nil
	}
	idx := n - 1
	if idx >= len(resps) {
		idx = len(resps) - 1
	}
	out := *resps[idx]
	if len(out.ToolCalls) > 0 {
		out.ToolCalls = append([]llm.ToolCall(nil), out.ToolCalls...)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}

// Calls returns how many times Generate ran.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Received returns the messages sent on call n (1-based).
func (p *ScriptedProvider) Received(n int) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > len(p.received) {
		return nil
	}
	return p.received[n-1]
}

// Tools returns the tools advertised on call n (1-based).
func (p *ScriptedProvider) Tools(n int) []llm.Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > len(p.tools) {
		return nil
	}
	return p.tools[n-1]
}

// Call builds a tool call for scripts.
func Call(id, name string, args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}
