package otel

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys shared by the gate, the agent loop and the LLM client.
const (
	ActionName  = attribute.Key("latch.action")
	ActionLevel = attribute.Key("latch.level")
	RuleID      = attribute.Key("latch.rule_id")
	Posture     = attribute.Key("latch.posture")

	GenAISystem            = attribute.Key("gen_ai.system")
	GenAIRequestModel      = attribute.Key("gen_ai.request.model")
	GenAIUsageInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens = attribute.Key("gen_ai.usage.output_tokens")
	GenAIFinishReason      = attribute.Key("gen_ai.response.finish_reason")
)

// DecisionAttributes describes one authorization decision.
func DecisionAttributes(action, level, ruleID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{ActionName.String(action), ActionLevel.String(level)}
	if ruleID != "" {
		attrs = append(attrs, RuleID.String(ruleID))
	}
	return attrs
}

// CompletionAttributes describes one model round trip.
func CompletionAttributes(system, model string, inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}
