// Package gate puts every model-callable action behind the policy. An Action
// is wrapped in a GatedAction, which evaluates the policy, writes one audit
// record and only then decides whether the wrapped action runs.
package gate

import (
	"context"
	"fmt"
	"sort"
)

// Capability names a kind of side effect an action can have.
type Capability string

// Known capabilities.
const (
	CapNetwork         Capability = "network"
	CapMemoryRead      Capability = "memory_read"
	CapMemoryWrite     Capability = "memory_write"
	CapSecretWrite     Capability = "secret_write"
	CapOutboundMessage Capability = "outbound_message"
)

// Descriptor is the static description of an action, fixed at registration.
type Descriptor struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments, as sent to the model.
	Parameters   map[string]any
	Capabilities []Capability
	// Sensitive names arguments that never enter the policy context or the audit log.
	Sensitive []string
	// Context derives extra policy context from the arguments, e.g. the
	// domain of a URL. Derived keys override keys copied from the arguments.
	Context func(args map[string]any) map[string]string
}

// PolicyContext builds the evaluation context: every scalar, non-sensitive
// argument as a string, overlaid with the keys returned by Context.
func (d Descriptor) PolicyContext(args map[string]any) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		if d.isSensitive(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool, float64, float32, int, int64, int32:
			out[k] = fmt.Sprint(val)
		}
	}
	if d.Context != nil {
		for k, v := range d.Context(args) {
			out[k] = v
		}
	}
	return out
}

func (d Descriptor) isSensitive(arg string) bool {
	for _, s := range d.Sensitive {
		if s == arg {
			return true
		}
	}
	return false
}

// Action is one model-callable operation.
type Action interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// StringArg returns args[key] when it is a non-empty string.
func StringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok && s != ""
}

// sortedKeys is used to render scope suggestions deterministically.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
