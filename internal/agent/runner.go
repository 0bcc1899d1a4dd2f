// Package agent runs one conversational turn: it creates the turn boundary,
// drives the model's tool loop through the gated registry, and always leaves
// an audit record and a signed evidence record behind, even on failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/evidence"
	"github.com/dativo-io/latch/internal/gate"
	"github.com/dativo-io/latch/internal/llm"
	latchotel "github.com/dativo-io/latch/internal/otel"
	"github.com/dativo-io/latch/internal/policy"
	"github.com/dativo-io/latch/internal/requestctx"
	"github.com/dativo-io/latch/internal/turn"
)

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/agent")

// DefaultMaxIterations caps model round trips per turn.
const DefaultMaxIterations = 8

// GenericFailureReply is sent whenever a turn fails. Details go to the logs only.
const GenericFailureReply = "Sorry, something went wrong while handling that message. Please try again."

// BaseSystemPrompt precedes the turn's boundary instructions.
const BaseSystemPrompt = "You are a personal assistant running on the user's own machine. " +
	"Use the available actions when they help. Some actions may be refused by the user's policy; " +
	"when that happens, explain to the user what you wanted to do and follow the refusal's guidance."

// ErrNoProvider is returned when no model is configured.
var ErrNoProvider = errors.New("no model provider configured")

// ErrIterationLimit is recorded when the model keeps calling actions past the cap.
var ErrIterationLimit = errors.New("action loop iteration limit reached")

// ActionSource builds the gated action set for one turn, so that approvals
// granted between turns are visible to the next one.
type ActionSource interface {
	Actions(ctx context.Context) (*gate.Registry, *policy.Policy, error)
}

// Config holds the Runner's dependencies.
type Config struct {
	Provider llm.Provider
	Model    string
	// Source, when set, replaces Registry and Policy on every turn.
	Source   ActionSource
	Registry *gate.Registry
	// Policy is only read for the posture recorded in evidence; gating is done
	// by the actions in Registry. May be nil.
	Policy        *policy.Policy
	Audit         audit.Sink
	Evidence      *evidence.Store // optional
	Failures      *ActionFailureTracker
	MaxIterations int
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
}

// Runner handles turns. Safe for concurrent use; each turn owns its turn.Context.
type Runner struct {
	provider    llm.Provider
	model       string
	source      ActionSource
	registry    *gate.Registry
	policy      *policy.Policy
	audit       audit.Sink
	evidence    *evidence.Generator
	failures    *ActionFailureTracker
	maxIter     int
	system      string
	temperature float64
	maxTokens   int
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	r := &Runner{
		provider:    cfg.Provider,
		model:       cfg.Model,
		source:      cfg.Source,
		registry:    cfg.Registry,
		policy:      cfg.Policy,
		audit:       cfg.Audit,
		failures:    cfg.Failures,
		maxIter:     cfg.MaxIterations,
		system:      cfg.SystemPrompt,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
	if r.audit == nil {
		r.audit = audit.Discard{}
	}
	if r.registry == nil {
		r.registry = gate.NewRegistry()
	}
	if cfg.Evidence != nil {
		r.evidence = evidence.NewGenerator(cfg.Evidence)
	}
	if r.failures == nil {
		r.failures = NewActionFailureTracker(0, 0)
	}
	if r.maxIter <= 0 {
		r.maxIter = DefaultMaxIterations
	}
	if r.system == "" {
		r.system = BaseSystemPrompt
	}
	if r.maxTokens <= 0 {
		r.maxTokens = 2000
	}
	return r
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	Channel string
	Text    string
	// History holds earlier user/assistant exchanges, oldest first.
	History []llm.Message
}

// TurnResponse is what the channel sends back.
type TurnResponse struct {
	Reply         string                  `json:"reply"`
	CorrelationID string                  `json:"correlation_id"`
	EvidenceID    string                  `json:"evidence_id,omitempty"`
	Actions       []evidence.ActionRecord `json:"actions,omitempty"`
	Failed        bool                    `json:"failed"`
}

// turnState accumulates what the evidence record needs.
type turnState struct {
	tc       *turn.Context
	registry *gate.Registry
	policy   *policy.Policy
	actions  []evidence.ActionRecord
	tokens   evidence.TokenUsage
	model    string
}

// HandleTurn processes one message. It never returns an error: failures and
// panics become GenericFailureReply, and the turn is still audited.
func (r *Runner) HandleTurn(ctx context.Context, req TurnRequest) *TurnResponse {
	start := time.Now()
	if req.Channel == "" {
		req.Channel = "console"
	}

	st := &turnState{model: r.model, registry: r.registry, policy: r.policy}
	tc, err := turn.New()
	if err == nil {
		st.tc = tc
	}
	if err == nil && r.source != nil {
		st.registry, st.policy, err = r.source.Actions(ctx)
		if err != nil {
			err = fmt.Errorf("building turn actions: %w", err)
		}
	}
	correlationID := ""
	if st.tc != nil {
		correlationID = st.tc.ID()
	}

	ctx, span := tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("correlation_id", correlationID),
			attribute.String("channel", req.Channel),
		))
	defer span.End()

	var reply string
	if err == nil {
		ctx = requestctx.SetChannel(requestctx.SetTurn(ctx, st.tc), req.Channel)
		reply, err = r.safeLoop(ctx, st, req)
	}

	resp := &TurnResponse{CorrelationID: correlationID, Actions: st.actions}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		log.Error().Err(err).Str("correlation_id", correlationID).Str("channel", req.Channel).Msg("turn_failed")
		resp.Reply = GenericFailureReply
		resp.Failed = true
	} else {
		resp.Reply = reply
	}

	r.finish(ctx, st, req, resp, err, time.Since(start))
	return resp
}

// safeLoop runs the tool loop and converts a panic into an error.
func (r *Runner) safeLoop(ctx context.Context, st *turnState, req TurnRequest) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("turn_panic_recovered")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.loop(ctx, st, req)
}

func (r *Runner) loop(ctx context.Context, st *turnState, req TurnRequest) (string, error) {
	if r.provider == nil {
		return "", ErrNoProvider
	}
	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: r.system + "\n\n" + st.tc.SystemPrompt()})
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Text})

	tools := toolDefinitions(st.registry)
	for i := 0; i < r.maxIter; i++ {
		resp, err := r.provider.Generate(ctx, &llm.Request{
			Model:       r.model,
			Messages:    messages,
			Temperature: r.temperature,
			MaxTokens:   r.maxTokens,
			Tools:       tools,
		})
		if err != nil {
			return "", fmt.Errorf("calling model: %w", err)
		}
		st.tokens.Input += resp.InputTokens
		st.tokens.Output += resp.OutputTokens
		if resp.Model != "" {
			st.model = resp.Model
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			out := r.invoke(ctx, st, call)
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: out})
		}
	}
	return "", ErrIterationLimit
}

func toolDefinitions(reg *gate.Registry) []llm.Tool {
	defs := reg.ToolDefinitions()
	out := make([]llm.Tool, len(defs))
	for i, d := range defs {
		out[i] = llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// invoke runs one requested action and returns the text for the model.
// Action errors become text; they never end the turn.
func (r *Runner) invoke(ctx context.Context, st *turnState, call llm.ToolCall) string {
	action, ok := st.registry.Get(call.Name)
	if !ok {
		st.actions = append(st.actions, evidence.ActionRecord{Name: call.Name, Level: "unregistered"})
		return fmt.Sprintf("Unknown action %q.", call.Name)
	}
	if call.Arguments == nil {
		st.actions = append(st.actions, evidence.ActionRecord{Name: call.Name, Level: "invalid_arguments"})
		return fmt.Sprintf("The arguments for %q were not a valid JSON object.", call.Name)
	}

	rec := evidence.ActionRecord{Name: call.Name}
	var out string
	var err error
	if gated, ok := action.(*gate.GatedAction); ok {
		var res gate.Result
		res, err = gated.Run(ctx, call.Arguments)
		out = res.Output
		rec.Executed = res.Executed
		rec.RuleID = res.Decision.RuleID()
		rec.Level = res.Decision.Level.String()
		if res.Ungated {
			rec.Level = "ungated"
		}
	} else {
		out, err = action.Invoke(ctx, call.Arguments)
		rec.Executed = true
		rec.Level = "ungated"
	}
	if err != nil {
		rec.Error = err.Error()
		r.failures.RecordFailure(call.Name, err.Error())
		log.Warn().Err(err).Str("action", call.Name).Str("correlation_id", st.tc.ID()).Msg("action_failed")
		out = fmt.Sprintf("Error: %v", err)
	}
	st.actions = append(st.actions, rec)
	return out
}

// finish writes the turn's audit and evidence records.
func (r *Runner) finish(ctx context.Context, st *turnState, req TurnRequest, resp *TurnResponse, turnErr error, d time.Duration) {
	tainted, signals := false, 0
	if st.tc != nil {
		tainted, signals = st.tc.Fetched(), st.tc.Signals()
	}
	posture := ""
	if st.policy != nil {
		posture = st.policy.Posture().String()
	}

	event := audit.EventTurnCompleted
	detail := map[string]any{
		"turn":              resp.CorrelationID,
		"channel":           req.Channel,
		"actions":           len(st.actions),
		"tainted":           tainted,
		"injection_signals": signals,
		"duration_ms":       d.Milliseconds(),
	}
	errText := ""
	if turnErr != nil {
		event = audit.EventTurnFailed
		errText = turnErr.Error()
		detail["error"] = errText
	}
	if err := r.audit.Record(ctx, event, detail); err != nil {
		log.Error().Err(err).Str("event", event).Msg("audit_write_failed")
	}

	if r.evidence == nil {
		return
	}
	ev, err := r.evidence.Generate(ctx, evidence.GenerateParams{
		CorrelationID:    resp.CorrelationID,
		Channel:          req.Channel,
		Posture:          posture,
		Model:            st.model,
		Actions:          st.actions,
		InjectionSignals: signals,
		Tainted:          tainted,
		Err:              errText,
		Tokens:           st.tokens,
		Duration:         d,
		Input:            req.Text,
		Output:           resp.Reply,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed_to_generate_evidence")
		return
	}
	resp.EvidenceID = ev.ID

	log.Info().
		Str("correlation_id", resp.CorrelationID).
		Str("evidence_id", ev.ID).
		Str("channel", req.Channel).
		Int("actions", len(st.actions)).
		Bool("tainted", tainted).
		Int64("duration_ms", d.Milliseconds()).
		Str("outcome", ev.Outcome).
		Msg("agent_turn_finished")
}
