package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	latchotel "github.com/dativo-io/latch/internal/otel"
)

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/policy")

// File is the parsed policy.yaml.
type File struct {
	Version string `yaml:"version"`
	// Posture is empty when the file does not override the configured posture.
	Posture string `yaml:"posture,omitempty"`
	Rules   []Rule `yaml:"rules"`
}

// ResolvePathUnderBase resolves path against baseDir and rejects results
// that escape baseDir. Absolute paths must also lie under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(dirAbs, full)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("policy path %s outside base directory %s", path, dirAbs)
	}
	return pathAbs, nil
}

// LoadFile reads, schema-checks and parses a policy file. baseDir confines
// the path; an empty baseDir means the directory of path itself.
func LoadFile(ctx context.Context, path, baseDir string) (*File, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("policy.path", path))

	if baseDir == "" {
		baseDir = filepath.Dir(path)
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}
	f, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", safePath, err)
	}
	span.SetAttributes(attribute.Int("policy.rules", len(f.Rules)))
	return f, nil
}

// Parse validates content against the policy schema and decodes it.
// Rules without an ID get "config:<index>" and provenance "config".
func Parse(content []byte) (*File, error) {
	if err := ValidateSchema(content); err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if _, err := ParsePosture(f.Posture); err != nil {
		return nil, err
	}
	for i := range f.Rules {
		r := &f.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("config:%d", i)
		}
		if r.GrantedVia == "" {
			r.GrantedVia = "config"
		}
		if r.ApprovalCount < 1 {
			r.ApprovalCount = 1
		}
		if !r.Level.Valid() {
			return nil, fmt.Errorf("rule %d (%s): missing level", i, r.Action)
		}
	}
	return &f, nil
}

// EffectivePosture returns the file's posture if it sets one, otherwise fallback.
func (f *File) EffectivePosture(fallback Posture) Posture {
	if f == nil || f.Posture == "" {
		return fallback
	}
	p, err := ParsePosture(f.Posture)
	if err != nil {
		return fallback
	}
	return p
}
