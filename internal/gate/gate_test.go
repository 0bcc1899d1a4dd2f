package gate

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/policy"
)

type fakeAction struct {
	name  string
	calls atomic.Int32
	err   error
}

func (f *fakeAction) Descriptor() Descriptor {
	return Descriptor{
		Name:         f.name,
		Description:  "test action",
		Parameters:   map[string]any{"type": "object"},
		Capabilities: []Capability{CapNetwork},
		Context: func(args map[string]any) map[string]string {
			raw, _ := StringArg(args, "url")
			u, err := url.Parse(raw)
			if err != nil || u.Hostname() == "" {
				return nil
			}
			return map[string]string{"domain": u.Hostname()}
		},
	}
}

func (f *fakeAction) Invoke(context.Context, map[string]any) (string, error) {
	f.calls.Add(1)
	return "ran " + f.name, f.err
}

type fixedRatchet int

func (n fixedRatchet) ApprovalsFor(string, map[string]string) int { return int(n) }

type failingSink struct{}

func (failingSink) Record(context.Context, string, map[string]any) error {
	return errors.New("disk full")
}

func policyWith(posture policy.Posture, rules ...policy.Rule) *policy.Policy {
	return policy.New(posture, policy.BuiltinRules(), nil, rules)
}

func TestGatedAction_LevelsExecuteOrRefuse(t *testing.T) {
	tests := []struct {
		level    policy.Level
		executes bool
		contains string
	}{
		{policy.LevelFree, true, "ran send_message"},
		{policy.LevelNotify, true, "ran send_message"},
		{policy.LevelPropose, false, "latch rules approve send_message"},
		{policy.LevelNever, false, "Do not retry"},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			inner := &fakeAction{name: policy.ActionSendMessage}
			sink := &audit.Memory{}
			p := policyWith(policy.PostureBalanced, policy.Rule{ID: "r", Action: policy.ActionSendMessage, Level: tt.level, Reason: "test rule"})
			g := Wrap(inner, p, sink)

			res, err := g.Run(context.Background(), map[string]any{"text": "hi"})
			require.NoError(t, err)
			assert.Equal(t, tt.executes, res.Executed)
			assert.Contains(t, res.Output, tt.contains)
			assert.Equal(t, tt.level, res.Decision.Level)
			if tt.executes {
				assert.Equal(t, int32(1), inner.calls.Load())
			} else {
				assert.Zero(t, inner.calls.Load())
			}

			events := sink.Events(audit.EventActionGate)
			require.Len(t, events, 1)
			assert.Equal(t, policy.ActionSendMessage, events[0].Detail["action"])
			assert.Equal(t, tt.level.String(), events[0].Detail["level"])
			assert.Equal(t, "r", events[0].Detail["rule_id"])
			assert.Equal(t, "test rule", events[0].Detail["reason"])
		})
	}
}

func TestGatedAction_NeverHasNoRetryGuidance(t *testing.T) {
	p := policyWith(policy.PostureAutonomous, policy.Rule{ID: "n", Action: policy.ActionSendMessage, Level: policy.LevelNever, Reason: "blocked"})
	g := Wrap(&fakeAction{name: policy.ActionSendMessage}, p, &audit.Memory{}, WithRatchet(fixedRatchet(50), 5))
	out, err := g.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "latch rules approve")
	assert.NotContains(t, out, "--level free")
}

func TestGatedAction_NoMatchProposes(t *testing.T) {
	inner := &fakeAction{name: "unknown_action"}
	sink := &audit.Memory{}
	g := Wrap(inner, policyWith(policy.PostureBalanced), sink)

	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, policy.LevelPropose, res.Decision.Level)
	assert.Contains(t, res.Output, policy.NoMatchReason)
	assert.Zero(t, inner.calls.Load())
	require.Len(t, sink.Events(audit.EventActionGate), 1)
	assert.Equal(t, "", sink.Events(audit.EventActionGate)[0].Detail["rule_id"])
}

func TestGatedAction_ProposeSuggestsDerivedScope(t *testing.T) {
	p := policyWith(policy.PostureBalanced, policy.Rule{ID: "p", Action: policy.ActionFetchURL, Level: policy.LevelPropose, Reason: "ask first"})
	g := Wrap(&fakeAction{name: policy.ActionFetchURL}, p, &audit.Memory{})
	out, err := g.Invoke(context.Background(), map[string]any{"url": "https://docs.example.com/a?token=zz"})
	require.NoError(t, err)
	assert.Contains(t, out, "latch rules approve fetch_url --scope domain=docs.example.com")
	assert.NotContains(t, out, "token=zz")
}

func TestGatedAction_RatchetHint(t *testing.T) {
	p := policyWith(policy.PostureBalanced)
	tests := []struct {
		name      string
		approvals int
		threshold int
		want      bool
	}{
		{"below threshold", 4, 5, false},
		{"at threshold", 5, 5, true},
		{"default threshold", 5, 0, true},
		{"custom threshold", 2, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Wrap(&fakeAction{name: policy.ActionSendMessage}, p, &audit.Memory{}, WithRatchet(fixedRatchet(tt.approvals), tt.threshold))
			out, err := g.Invoke(context.Background(), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.Contains(out, "--level free"), out)
		})
	}
}

func TestGatedAction_PostureAppliesAtGate(t *testing.T) {
	rule := policy.Rule{ID: "n", Action: policy.ActionSendMessage, Level: policy.LevelNotify, Reason: "review later"}

	conservative := Wrap(&fakeAction{name: policy.ActionSendMessage}, policyWith(policy.PostureConservative, rule), &audit.Memory{})
	res, err := conservative.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, policy.LevelPropose, res.Decision.Level)

	autonomous := Wrap(&fakeAction{name: policy.ActionStoreCredential}, policyWith(policy.PostureAutonomous), &audit.Memory{})
	res, err = autonomous.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, policy.LevelNotify, res.Decision.Level)
}

// An unconfigured gate runs everything. Both halves are pinned here so a
// change to fail-closed is a deliberate decision.
func TestGatedAction_UnconfiguredIsDefaultOpen(t *testing.T) {
	t.Run("with sink", func(t *testing.T) {
		inner := &fakeAction{name: policy.ActionSendMessage}
		sink := &audit.Memory{}
		res, err := Wrap(inner, nil, sink).Run(context.Background(), nil)
		require.NoError(t, err)
		assert.True(t, res.Executed)
		assert.True(t, res.Ungated)
		assert.Equal(t, int32(1), inner.calls.Load())
		assert.Len(t, sink.Events(audit.EventActionUngated), 1)
		assert.Empty(t, sink.Events(audit.EventActionGate))
	})
	t.Run("without sink", func(t *testing.T) {
		inner := &fakeAction{name: policy.ActionSendMessage}
		out, err := Wrap(inner, nil, nil).Invoke(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "ran send_message", out)
	})
	t.Run("configured gate refuses same action", func(t *testing.T) {
		inner := &fakeAction{name: policy.ActionSendMessage}
		res, err := Wrap(inner, policyWith(policy.PostureBalanced), &audit.Memory{}).Run(context.Background(), nil)
		require.NoError(t, err)
		assert.False(t, res.Executed)
		assert.Zero(t, inner.calls.Load())
	})
}

func TestGatedAction_AuditFailureBlocksExecution(t *testing.T) {
	inner := &fakeAction{name: policy.ActionFetchURL}
	res, err := Wrap(inner, policyWith(policy.PostureBalanced), failingSink{}).Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuditUnavailable)
	assert.False(t, res.Executed)
	assert.Zero(t, inner.calls.Load())
}

func TestGatedAction_InnerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	inner := &fakeAction{name: policy.ActionFetchURL, err: boom}
	_, err := Wrap(inner, policyWith(policy.PostureBalanced), &audit.Memory{}).Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestDescriptor_PolicyContext(t *testing.T) {
	d := (&fakeAction{name: "x"}).Descriptor()
	ctx := d.PolicyContext(map[string]any{
		"url":    "https://a.example.org/x",
		"domain": "spoofed.example",
		"n":      float64(3),
		"flag":   true,
		"nested": map[string]any{"k": "v"},
	})
	assert.Equal(t, "a.example.org", ctx["domain"])
	assert.Equal(t, "3", ctx["n"])
	assert.Equal(t, "true", ctx["flag"])
	assert.NotContains(t, ctx, "nested")
}

func TestDescriptor_SensitiveArgsNeverAudited(t *testing.T) {
	inner := &secretAction{}
	sink := &audit.Memory{}
	p := policyWith(policy.PostureBalanced)
	_, err := Wrap(inner, p, sink).Invoke(context.Background(), map[string]any{"name": "tavily_api_key", "value": "tvly-supersecret"})
	require.NoError(t, err)

	events := sink.Events(audit.EventActionGate)
	require.Len(t, events, 1)
	ctx, ok := events[0].Detail["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tavily_api_key", ctx["name"])
	assert.NotContains(t, ctx, "value")
}

type secretAction struct{}

func (secretAction) Descriptor() Descriptor {
	return Descriptor{Name: policy.ActionStoreCredential, Sensitive: []string{"value"}}
}

func (secretAction) Invoke(context.Context, map[string]any) (string, error) { return "stored", nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAction{name: "b"}))
	require.NoError(t, r.Register(&fakeAction{name: "a"}))
	assert.Error(t, r.Register(&fakeAction{name: "a"}))
	assert.Error(t, r.Register(&fakeAction{name: ""}))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Descriptor().Name)
	_, ok = r.Get("missing")
	assert.False(t, ok)

	defs := r.ToolDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "b", defs[1].Name)
	assert.Equal(t, "test action", defs[0].Description)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(&fakeAction{name: string(rune('a' + i))})
			_ = r.List()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 20)
}
