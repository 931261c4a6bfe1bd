package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleTrackerIsAvailableDefaultsTrue(t *testing.T) {
	tr := NewThrottleTracker(time.Hour)
	defer tr.Stop()
	require.True(t, tr.IsAvailable("acct-1"))
}

func TestThrottleTrackerRecordCooldownMarksUnavailable(t *testing.T) {
	tr := NewThrottleTracker(time.Hour)
	defer tr.Stop()

	tr.RecordCooldown("acct-1", time.Now().Add(time.Hour))
	require.False(t, tr.IsAvailable("acct-1"))
}

func TestThrottleTrackerCooldownNeverShrinks(t *testing.T) {
	tr := NewThrottleTracker(time.Hour)
	defer tr.Stop()

	far := time.Now().Add(time.Hour)
	tr.RecordCooldown("acct-1", far)
	tr.RecordCooldown("acct-1", time.Now().Add(time.Second))

	require.Equal(t, far, tr.until["acct-1"])
}

func TestThrottleTrackerNextAvailableAt(t *testing.T) {
	tr := NewThrottleTracker(time.Hour)
	defer tr.Stop()

	require.True(t, tr.NextAvailableAt([]string{"a", "b"}).IsZero())

	soon := time.Now().Add(10 * time.Millisecond)
	later := time.Now().Add(time.Hour)
	tr.RecordCooldown("a", later)
	tr.RecordCooldown("b", soon)

	require.Equal(t, soon, tr.NextAvailableAt([]string{"a", "b"}))
}

func TestThrottleTrackerCleanupDropsExpiredEntries(t *testing.T) {
	tr := NewThrottleTracker(5 * time.Millisecond)
	defer tr.Stop()

	tr.RecordCooldown("a", time.Now().Add(-time.Millisecond))
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		_, ok := tr.until["a"]
		tr.mu.Unlock()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleTrackerStopIsIdempotent(t *testing.T) {
	tr := NewThrottleTracker(time.Hour)
	tr.Stop()
	require.NotPanics(t, func() { tr.Stop() })
}
