package policy

// Builtin actions.
const (
	ActionFetchURL        = "fetch_url"
	ActionWebSearch       = "web_search"
	ActionRecall          = "recall"
	ActionRemember        = "remember"
	ActionStoreCredential = "store_credential"
	ActionSendMessage     = "send_message"
)

// NoMatchReason is the reason carried by the fail-safe decision.
const NoMatchReason = "no rule matched"

// Decision is the outcome of one evaluation. Rule is nil when nothing matched.
type Decision struct {
	Level  Level  `json:"level"`
	Reason string `json:"reason"`
	Rule   *Rule  `json:"rule,omitempty"`
}

// Allowed reports whether the decision lets the action run.
func (d Decision) Allowed() bool {
	return d.Level.Executes()
}

// RuleID returns the ID of the matched rule, or "" when none matched.
func (d Decision) RuleID() string {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.ID
}

// BuiltinRules returns the lowest-precedence defaults.
func BuiltinRules() []Rule {
	return []Rule{
		{ID: "builtin:fetch_url", Action: ActionFetchURL, Level: LevelFree, Reason: "read-only fetch, URL validator applies", GrantedVia: "builtin", ApprovalCount: 1},
		{ID: "builtin:web_search", Action: ActionWebSearch, Level: LevelFree, Reason: "read-only search", GrantedVia: "builtin", ApprovalCount: 1},
		{ID: "builtin:recall", Action: ActionRecall, Level: LevelFree, Reason: "read own memory", GrantedVia: "builtin", ApprovalCount: 1},
		{ID: "builtin:remember", Action: ActionRemember, Level: LevelNotify, Reason: "persistent memory write", GrantedVia: "builtin", ApprovalCount: 1},
		{ID: "builtin:store_credential", Action: ActionStoreCredential, Level: LevelPropose, Reason: "writes secret material", GrantedVia: "builtin", ApprovalCount: 1},
		{ID: "builtin:send_message", Action: ActionSendMessage, Level: LevelPropose, Reason: "outbound side effect", GrantedVia: "builtin", ApprovalCount: 1},
	}
}

// Policy is an immutable, ordered rule list plus a posture. Order matters:
// at equal specificity the rule that comes later wins, so New places config
// rules after persisted approvals after builtins.
type Policy struct {
	posture Posture
	rules   []Rule
}

// New concatenates the three rule layers in precedence order.
func New(posture Posture, builtin, persisted, config []Rule) *Policy {
	rules := make([]Rule, 0, len(builtin)+len(persisted)+len(config))
	for _, layer := range [][]Rule{builtin, persisted, config} {
		for _, r := range layer {
			rules = append(rules, r.Clone())
		}
	}
	return &Policy{posture: posture, rules: rules}
}

// Posture returns the policy's posture.
func (p *Policy) Posture() Posture {
	return p.posture
}

// Rules returns a copy of the ordered rule list.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Clone()
	}
	return out
}

// Evaluate selects the most specific matching rule (last one wins a tie),
// then applies the posture. With no match the result is propose.
// Evaluate has no side effects and is safe for concurrent use.
func (p *Policy) Evaluate(action string, ctx map[string]string) Decision {
	best := -1
	for i := range p.rules {
		if !p.rules[i].Matches(action, ctx) {
			continue
		}
		if best < 0 || p.rules[i].Specificity() >= p.rules[best].Specificity() {
			best = i
		}
	}
	if best < 0 {
		return Decision{Level: LevelPropose, Reason: NoMatchReason}
	}
	matched := p.rules[best].Clone()
	return Decision{
		Level:  p.posture.Apply(matched.Level),
		Reason: matched.Reason,
		Rule:   &matched,
	}
}
