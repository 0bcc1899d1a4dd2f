package policy

import (
	"strings"
	"time"
)

// AnyAction is the wildcard action name that matches every action.
const AnyAction = "any"

// Rule is one authorization rule. Scope maps a context key to an exact value,
// a "*.suffix" domain pattern, or "*" (any present value). An empty scope
// matches every context.
type Rule struct {
	ID            string            `json:"id" yaml:"id,omitempty"`
	Action        string            `json:"action" yaml:"action"`
	Scope         map[string]string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Level         Level             `json:"level" yaml:"level"`
	Reason        string            `json:"reason" yaml:"reason"`
	GrantedAt     *time.Time        `json:"granted_at,omitempty" yaml:"granted_at,omitempty"`
	GrantedVia    string            `json:"granted_via,omitempty" yaml:"granted_via,omitempty"`
	ApprovalCount int               `json:"approval_count" yaml:"approval_count,omitempty"`
}

// Specificity is the number of scope entries.
func (r Rule) Specificity() int {
	return len(r.Scope)
}

// Matches reports whether r applies to action under ctx.
func (r Rule) Matches(action string, ctx map[string]string) bool {
	if r.Action != action && r.Action != AnyAction {
		return false
	}
	for key, pattern := range r.Scope {
		value, ok := ctx[key]
		if !ok {
			return false
		}
		match := MatchPattern
		if hostKeys[key] {
			match = MatchHost
		}
		if !match(pattern, value) {
			return false
		}
	}
	return true
}

// hostKeys are scope keys whose values are host names and compare
// case-insensitively. Every other key is matched byte for byte.
var hostKeys = map[string]bool{"domain": true, "host": true}

// SameScope reports whether a and b have identical scope maps.
func SameScope(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// MatchPattern matches one scope pattern against a context value.
// "*" matches anything; "*.example.com" matches "example.com" and any
// subdomain of it but not "badexample.com", ignoring case since that form
// only names domains; anything else is an exact, case-sensitive match.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return matchSuffix(suffix, value)
	}
	return pattern == value
}

// MatchHost is MatchPattern for host names: exact patterns ignore case too.
func MatchHost(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return matchSuffix(suffix, value)
	}
	return strings.EqualFold(pattern, value)
}

func matchSuffix(suffix, value string) bool {
	v := strings.ToLower(value)
	s := strings.ToLower(suffix)
	return v == s || strings.HasSuffix(v, "."+s)
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	if r.Scope != nil {
		out.Scope = make(map[string]string, len(r.Scope))
		for k, v := range r.Scope {
			out.Scope[k] = v
		}
	}
	if r.GrantedAt != nil {
		t := *r.GrantedAt
		out.GrantedAt = &t
	}
	return out
}
