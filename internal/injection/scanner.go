// Package injection flags common prompt-injection phrasing in fetched text.
//
// The scanner is advisory. Its output feeds the audit log and nothing else:
// content is never blocked or altered because of a match, and phrasing that
// evades every pattern is expected. The isolation boundary is the per-turn
// nonce wrapping in package turn, not this scanner.
package injection

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	latchotel "github.com/dativo-io/latch/internal/otel"
)

var tracer = latchotel.Tracer("github.com/dativo-io/latch/internal/injection")

var signals metric.Int64Counter

func init() {
	signals, _ = latchotel.Meter("github.com/dativo-io/latch/internal/injection").Int64Counter(
		"injection.signals", metric.WithDescription("injection pattern matches in fetched content"))
}

// snippetRadius is how much text around a match is kept for the audit record.
const snippetRadius = 40

// Match is one pattern hit.
type Match struct {
	Recognizer string `json:"recognizer"`
	Pattern    string `json:"pattern"`
	Severity   int    `json:"severity"`
	Position   int    `json:"position"`
	Snippet    string `json:"snippet"`
}

// Result is the outcome of one scan.
type Result struct {
	Count       int     `json:"count"`
	MaxSeverity int     `json:"max_severity"`
	Matches     []Match `json:"matches,omitempty"`
}

// Recognizers returns the distinct recognizer names that matched, in first-hit order.
func (r Result) Recognizers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range r.Matches {
		if !seen[m.Recognizer] {
			seen[m.Recognizer] = true
			out = append(out, m.Recognizer)
		}
	}
	return out
}

// Scanner holds compiled recognizers and is safe for concurrent use.
type Scanner struct {
	patterns []compiled
}

// NewScanner compiles recs.
func NewScanner(recs []Recognizer) (*Scanner, error) {
	c, err := compile(recs)
	if err != nil {
		return nil, err
	}
	return &Scanner{patterns: c}, nil
}

// NewDefaultScanner compiles the embedded recognizers.
func NewDefaultScanner() (*Scanner, error) {
	recs, err := DefaultRecognizers()
	if err != nil {
		return nil, err
	}
	return NewScanner(recs)
}

// Scan reports every pattern hit in text.
func (s *Scanner) Scan(ctx context.Context, text string) Result {
	ctx, span := tracer.Start(ctx, "injection.scan")
	defer span.End()

	var res Result
	for _, p := range s.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			start := max(0, loc[0]-snippetRadius)
			end := min(len(text), loc[1]+snippetRadius)
			res.Matches = append(res.Matches, Match{
				Recognizer: p.recognizer,
				Pattern:    p.pattern,
				Severity:   p.severity,
				Position:   loc[0],
				Snippet:    text[start:end],
			})
			res.MaxSeverity = max(res.MaxSeverity, p.severity)
		}
	}
	res.Count = len(res.Matches)
	if res.Count > 0 {
		signals.Add(ctx, int64(res.Count))
	}
	span.SetAttributes(
		attribute.Int("injection.count", res.Count),
		attribute.Int("injection.max_severity", res.MaxSeverity),
	)
	return res
}
