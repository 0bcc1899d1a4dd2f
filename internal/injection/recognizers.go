package injection

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/dativo-io/latch/patterns"
)

// RecognizerFile is the YAML layout of a recognizer set.
type RecognizerFile struct {
	Recognizers []Recognizer `yaml:"recognizers"`
}

// Recognizer groups related patterns under one signal name.
type Recognizer struct {
	Name     string          `yaml:"name"`
	Severity int             `yaml:"severity"`
	Enabled  *bool           `yaml:"enabled,omitempty"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig is one regex inside a recognizer.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

func (r *Recognizer) enabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ParseRecognizers parses recognizer YAML.
func ParseRecognizers(data []byte) ([]Recognizer, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return rf.Recognizers, nil
}

// LoadRecognizers reads extra recognizers from path. A missing file yields none.
func LoadRecognizers(path string) ([]Recognizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizers(data)
}

// DefaultRecognizers returns the embedded set.
func DefaultRecognizers() ([]Recognizer, error) {
	recs, err := ParseRecognizers(patterns.InjectionYAML())
	if err != nil {
		return nil, fmt.Errorf("embedded injection patterns: %w", err)
	}
	return recs, nil
}

// Merge overlays later layers on earlier ones by recognizer name; new names are appended.
func Merge(layers ...[]Recognizer) []Recognizer {
	var out []Recognizer
	index := make(map[string]int)
	for _, layer := range layers {
		for _, r := range layer {
			if i, ok := index[r.Name]; ok {
				out[i] = r
				continue
			}
			index[r.Name] = len(out)
			out = append(out, r)
		}
	}
	return out
}

type compiled struct {
	recognizer string
	pattern    string
	severity   int
	re         *regexp.Regexp
}

func compile(recs []Recognizer) ([]compiled, error) {
	var out []compiled
	for i := range recs {
		r := &recs[i]
		if !r.enabled() {
			continue
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling pattern %q in %q: %w", p.Name, r.Name, err)
			}
			out = append(out, compiled{recognizer: r.Name, pattern: p.Name, severity: r.Severity, re: re})
		}
	}
	return out, nil
}
