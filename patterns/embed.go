// Package patterns embeds the default recognizer definitions shipped with the binary.
package patterns

import _ "embed"

//go:embed injection.yaml
var injectionYAML []byte

// InjectionYAML returns the embedded prompt-injection recognizers.
func InjectionYAML() []byte { return injectionYAML }
