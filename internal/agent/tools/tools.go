// Package tools implements the model-callable actions. Each one is a plain
// gate.Action; Gated wraps them with the policy before they reach the model.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/injection"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/requestctx"
	"github.com/dativo-io/latch/internal/turn"
)

// ErrNoTurn is returned when an action runs outside a turn.
var ErrNoTurn = errors.New("action invoked without a turn context")

// ErrMissingArgument is returned for absent required arguments.
var ErrMissingArgument = errors.New("missing required argument")

// Gated wraps each action with p and registers it. p may be nil.
func Gated(reg *gate.Registry, p *policy.Policy, sink audit.Sink, opts []gate.Option, actions ...gate.Action) error {
	for _, a := range actions {
		if err := reg.Register(gate.Wrap(a, p, sink, opts...)); err != nil {
			return err
		}
	}
	return nil
}

func currentTurn(ctx context.Context) (*turn.Context, error) {
	tc := requestctx.Turn(ctx)
	if tc == nil {
		return nil, ErrNoTurn
	}
	return tc, nil
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := gate.StringArg(args, key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMissingArgument, key)
	}
	return v, nil
}

func intArg(args map[string]any, key string, def, maxVal int) int {
	var n int
	switch v := args[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	if n > maxVal {
		return maxVal
	}
	return n
}

func record(ctx context.Context, sink audit.Sink, event string, detail map[string]any) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event, detail); err != nil {
		log.Error().Err(err).Str("event", event).Msg("audit_write_failed")
	}
}

// scanUntrusted flags injection phrasing in fetched text. Signals are advisory:
// the turn counts them and the audit log names the source, the text is still returned.
func scanUntrusted(ctx context.Context, scanner *injection.Scanner, sink audit.Sink, tc *turn.Context, action, domain, text string) {
	if scanner == nil {
		return
	}
	res := scanner.Scan(ctx, text)
	if res.Count == 0 {
		return
	}
	tc.AddSignals(res.Count)
	log.Warn().Str("action", action).Str("domain", domain).Int("count", res.Count).Msg("injection_signal")
	record(ctx, sink, audit.EventInjectionSignal, map[string]any{
		"action":       action,
		"domain":       domain,
		"count":        res.Count,
		"max_severity": res.MaxSeverity,
		"recognizers":  res.Recognizers(),
	})
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
