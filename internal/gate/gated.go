package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/latch/internal/audit"
	latchotel "github.com/dativo-io/latch/internal/otel"
	"github.com/dativo-io/latch/internal/policy"
)

// DefaultRatchetThreshold is the approval count at which the refusal
// suggests making a rule automatic.
const DefaultRatchetThreshold = 5

// ErrAuditUnavailable is returned when the decision could not be audited.
// The action is not run in that case.
var ErrAuditUnavailable = errors.New("audit write failed")

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/gate")

var decisions metric.Int64Counter

func init() {
	decisions, _ = latchotel.Meter("github.com/dativo-io/latch/internal/gate").Int64Counter(
		"gate.decisions", metric.WithDescription("gate decisions by level"))
}

// RatchetSource reports how often the user already approved an action at a
// scope equal to or looser than ctx.
type RatchetSource interface {
	ApprovalsFor(action string, ctx map[string]string) int
}

// Result is the outcome of one gated invocation.
type Result struct {
	Output   string
	Decision policy.Decision
	// Executed is false for refusals.
	Executed bool
	// Ungated is true when no policy was attached.
	Ungated bool
}

// GatedAction wraps an Action with policy evaluation and auditing.
// A GatedAction without a policy runs the wrapped action unconditionally.
type GatedAction struct {
	inner     Action
	policy    *policy.Policy
	audit     audit.Sink
	ratchet   RatchetSource
	threshold int
}

// Option configures a GatedAction.
type Option func(*GatedAction)

// WithRatchet enables the ratchet hint on propose refusals.
// threshold <= 0 selects DefaultRatchetThreshold.
func WithRatchet(src RatchetSource, threshold int) Option {
	return func(g *GatedAction) {
		g.ratchet = src
		if threshold > 0 {
			g.threshold = threshold
		}
	}
}

// Wrap gates inner with p. p may be nil (pass-through); sink may be nil.
func Wrap(inner Action, p *policy.Policy, sink audit.Sink, opts ...Option) *GatedAction {
	g := &GatedAction{inner: inner, policy: p, audit: sink, threshold: DefaultRatchetThreshold}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Descriptor implements Action.
func (g *GatedAction) Descriptor() Descriptor {
	return g.inner.Descriptor()
}

// Invoke implements Action. Refusals come back as text with a nil error.
func (g *GatedAction) Invoke(ctx context.Context, args map[string]any) (string, error) {
	res, err := g.Run(ctx, args)
	return res.Output, err
}

// Run evaluates, audits, then executes or refuses.
func (g *GatedAction) Run(ctx context.Context, args map[string]any) (Result, error) {
	desc := g.inner.Descriptor()
	ctx, span := tracer.Start(ctx, "gate.invoke", trace.WithAttributes(latchotel.ActionName.String(desc.Name)))
	defer span.End()

	if g.policy == nil {
		if g.audit != nil {
			if err := g.audit.Record(ctx, audit.EventActionUngated, map[string]any{"action": desc.Name}); err != nil {
				log.Error().Err(err).Str("action", desc.Name).Msg("audit_write_failed")
			}
		}
		out, err := g.inner.Invoke(ctx, args)
		return Result{Output: out, Executed: true, Ungated: true}, err
	}

	pctx := desc.PolicyContext(args)
	d := g.policy.Evaluate(desc.Name, pctx)
	span.SetAttributes(latchotel.DecisionAttributes(desc.Name, d.Level.String(), d.RuleID())...)
	span.SetAttributes(latchotel.Posture.String(g.policy.Posture().String()))
	decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("level", d.Level.String())))

	if err := g.record(ctx, desc.Name, d, pctx); err != nil {
		span.SetStatus(codes.Error, "audit failed")
		log.Error().Err(err).Str("action", desc.Name).Msg("audit_write_failed")
		return Result{
			Output:   fmt.Sprintf("Action %q was not run because the audit log is unavailable.", desc.Name),
			Decision: d,
		}, fmt.Errorf("%s: %w: %w", desc.Name, ErrAuditUnavailable, err)
	}

	switch d.Level {
	case policy.LevelFree, policy.LevelNotify:
		out, err := g.inner.Invoke(ctx, args)
		if err != nil {
			span.RecordError(err)
		}
		return Result{Output: out, Decision: d, Executed: true}, err
	case policy.LevelNever:
		log.Warn().Str("action", desc.Name).Str("reason", d.Reason).Msg("action_forbidden")
		return Result{Output: neverText(desc.Name, d), Decision: d}, nil
	case policy.LevelPropose:
		log.Info().Str("action", desc.Name).Str("reason", d.Reason).Msg("action_needs_approval")
		return Result{Output: g.proposeText(desc, d, pctx, args), Decision: d}, nil
	default:
		log.Warn().Str("action", desc.Name).Stringer("level", d.Level).Msg("action_unknown_level")
		return Result{Output: g.proposeText(desc, d, pctx, args), Decision: d}, nil
	}
}

func (g *GatedAction) record(ctx context.Context, action string, d policy.Decision, pctx map[string]string) error {
	if g.audit == nil {
		return nil
	}
	detail := map[string]any{
		"action":  action,
		"level":   d.Level.String(),
		"reason":  d.Reason,
		"rule_id": d.RuleID(),
		"posture": g.policy.Posture().String(),
	}
	if len(pctx) > 0 {
		keys := make(map[string]any, len(pctx))
		for k, v := range pctx {
			keys[k] = truncate(v, 200)
		}
		detail["context"] = keys
	}
	return g.audit.Record(ctx, audit.EventActionGate, detail)
}

func (g *GatedAction) proposeText(desc Descriptor, d policy.Decision, pctx map[string]string, args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action %q was not run: it needs the user's approval (%s). ", desc.Name, d.Reason)
	b.WriteString("Explain to the user what you intended to do and why, then ask them to register an approval, for example:\n")
	fmt.Fprintf(&b, "  latch rules approve %s%s\n", desc.Name, scopeFlags(desc, args))
	b.WriteString("Retry only after the user confirms the approval is in place.")

	if g.ratchet != nil {
		if n := g.ratchet.ApprovalsFor(desc.Name, pctx); n >= g.threshold {
			fmt.Fprintf(&b, "\nThe user has approved %q %d times before at this or a broader scope. "+
				"You may suggest making it automatic with --level free.", desc.Name, n)
		}
	}
	return b.String()
}

func neverText(action string, d policy.Decision) string {
	return fmt.Sprintf("Action %q is not permitted (%s). Do not retry it; tell the user it is blocked by policy.", action, d.Reason)
}

// scopeFlags suggests a scope built from the descriptor's derived context
// keys only, so raw free-text arguments never end up in a rule.
func scopeFlags(desc Descriptor, args map[string]any) string {
	if desc.Context == nil {
		return ""
	}
	derived := desc.Context(args)
	var b strings.Builder
	for _, k := range sortedKeys(derived) {
		fmt.Fprintf(&b, " --scope %s=%s", k, derived[k])
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
