package agent

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ActionFailureTracker counts execution errors per action. Gate refusals are
// not failures and never reach it. Crossing the threshold within the window
// logs one operator alert.
type ActionFailureTracker struct {
	mu        sync.Mutex
	actions   map[string]*failureRecord
	threshold int
	window    time.Duration
	now       func() time.Time
}

type failureRecord struct {
	failures []time.Time
	alerted  bool
}

// NewActionFailureTracker creates a tracker. threshold <= 0 defaults to 10;
// window <= 0 defaults to 5 minutes.
func NewActionFailureTracker(threshold int, window time.Duration) *ActionFailureTracker {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ActionFailureTracker{
		actions:   make(map[string]*failureRecord),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// RecordFailure records one failed execution. It returns true when this
// failure crossed the alert threshold.
func (t *ActionFailureTracker) RecordFailure(action, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.actions[action]
	if !ok {
		rec = &failureRecord{}
		t.actions[action] = rec
	}

	now := t.now()
	rec.failures = append(filterAfter(rec.failures, now.Add(-t.window)), now)

	if len(rec.failures) >= t.threshold && !rec.alerted {
		rec.alerted = true
		log.Warn().
			Str("action", action).
			Str("last_error", errMsg).
			Int("failure_count", len(rec.failures)).
			Dur("window", t.window).
			Msg("action_failure_threshold_exceeded")
		return true
	}
	if len(rec.failures) < t.threshold {
		rec.alerted = false
	}
	return false
}

// FailureCount returns the failures of action still inside the window.
func (t *ActionFailureTracker) FailureCount(action string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.actions[action]
	if !ok {
		return 0
	}
	return len(filterAfter(rec.failures, t.now().Add(-t.window)))
}

func filterAfter(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
