package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionFailureTracker_AlertsOnThreshold(t *testing.T) {
	tracker := NewActionFailureTracker(3, time.Minute)

	assert.False(t, tracker.RecordFailure("fetch_url", "err1"))
	assert.False(t, tracker.RecordFailure("fetch_url", "err2"))
	assert.True(t, tracker.RecordFailure("fetch_url", "err3"), "third failure should trigger alert")
	assert.Equal(t, 3, tracker.FailureCount("fetch_url"))
}

func TestActionFailureTracker_AlertsOnlyOnce(t *testing.T) {
	tracker := NewActionFailureTracker(2, time.Minute)

	tracker.RecordFailure("recall", "err1")
	assert.True(t, tracker.RecordFailure("recall", "err2"))
	assert.False(t, tracker.RecordFailure("recall", "err3"), "already alerted")
}

func TestActionFailureTracker_WindowExpiry(t *testing.T) {
	tracker := NewActionFailureTracker(2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.RecordFailure("recall", "err1")
	tracker.RecordFailure("recall", "err2")
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, tracker.FailureCount("recall"), "failures should expire after window")
	assert.False(t, tracker.RecordFailure("recall", "err3"))
}

func TestActionFailureTracker_PerActionIsolation(t *testing.T) {
	tracker := NewActionFailureTracker(2, time.Minute)
	tracker.RecordFailure("web_search", "err1")
	tracker.RecordFailure("web_search", "err2")
	assert.Equal(t, 2, tracker.FailureCount("web_search"))
	assert.Equal(t, 0, tracker.FailureCount("fetch_url"))
}

func TestActionFailureTracker_DefaultThresholds(t *testing.T) {
	tracker := NewActionFailureTracker(0, 0)
	for i := 0; i < 9; i++ {
		assert.False(t, tracker.RecordFailure("recall", "err"), "should not alert before threshold")
	}
	assert.True(t, tracker.RecordFailure("recall", "err"), "10th failure should trigger with default threshold")
}
