package llm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	latchotel "github.com/dativo-io/latch/internal/otel"
)

var tokenCounter metric.Int64Counter

func init() {
	tokenCounter, _ = latchotel.Meter("github.com/dativo-io/latch/internal/llm").Int64Counter(
		"llm.tokens",
		metric.WithDescription("tokens exchanged with the model"),
		metric.WithUnit("{token}"),
	)
}

// recordTokens adds one round trip's usage, split by direction.
func recordTokens(ctx context.Context, model string, in, out int) {
	if tokenCounter == nil {
		return
	}
	tokenCounter.Add(ctx, int64(in), metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
	tokenCounter.Add(ctx, int64(out), metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
}
