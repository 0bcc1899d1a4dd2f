// Package requestctx carries per-turn values through context.Context:
// the turn isolation boundary and the channel the message arrived on.
package requestctx

import (
	"context"

	"github.com/dativo-io/latch/internal/turn"
)

type contextKey struct{ name string }

var (
	turnKey    = &contextKey{"turn"}
	channelKey = &contextKey{"channel"}
)

// SetTurn stores the turn context.
func SetTurn(ctx context.Context, tc *turn.Context) context.Context {
	return context.WithValue(ctx, turnKey, tc)
}

// Turn returns the turn context, or nil if not set.
func Turn(ctx context.Context) *turn.Context {
	tc, _ := ctx.Value(turnKey).(*turn.Context)
	return tc
}

// SetChannel stores the inbound channel name (e.g. "console", "http").
func SetChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey, channel)
}

// Channel returns the channel name, or "" if not set.
func Channel(ctx context.Context) string {
	v, _ := ctx.Value(channelKey).(string)
	return v
}
