// Package ratelimit implements the two pieces of the spec's congestion
// control: a per-identity cooldown registry (ThrottleTracker, spec §4.B)
// and the pool-wide AIMD controller (AdaptiveRateController, spec §4.D).
//
// The map-guarded-by-a-mutex-plus-background-cleanup shape of
// ThrottleTracker is grounded on the teacher's RateLimiter
// (server/rate_limiter.go): a map keyed by client identity, a
// double-checked insert under lock, and a ticker-driven cleanup goroutine
// that drops stale entries so the map doesn't grow without bound.
package ratelimit

import (
	"sync"
	"time"
)

// ThrottleTracker records, per identity, the earliest monotonic instant at
// which work may resume. It hides throttled identities from pool
// selection; the pool does not poll it on a timer, only consults it at
// checkout time.
type ThrottleTracker struct {
	mu       sync.Mutex
	until    map[string]time.Time // identity -> cooldown expiry, monotonic clock
	stopOnce sync.Once
	stopCh   chan struct{}

	cleanupInterval time.Duration
}

// NewThrottleTracker creates a tracker and starts its background cleanup
// loop. Call Stop when the owning pool is disposed.
func NewThrottleTracker(cleanupInterval time.Duration) *ThrottleTracker {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	t := &ThrottleTracker{
		until:           make(map[string]time.Time),
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go t.cleanupLoop()
	return t
}

// IsAvailable reports whether identity is not presently under cooldown.
func (t *ThrottleTracker) IsAvailable(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.until[identity]
	if !ok {
		return true
	}
	return !time.Now().Before(until)
}

// RecordCooldown marks identity as unavailable until the given instant. A
// later call with an earlier `until` than the current one is ignored —
// cooldowns only ever extend, never shrink, within this call.
func (t *ThrottleTracker) RecordCooldown(identity string, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.until[identity]; ok && existing.After(until) {
		return
	}
	t.until[identity] = until
}

// NextAvailableAt returns the earliest instant at which any currently
// cooling-down identity becomes available, used by a pool checkout that
// must block until at least one client is eligible. The zero Time is
// returned if no identity is presently cooling down.
func (t *ThrottleTracker) NextAvailableAt(identities []string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	var earliest time.Time
	for _, id := range identities {
		until, ok := t.until[id]
		if !ok || !now.Before(until) {
			continue
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return earliest
}

func (t *ThrottleTracker) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopCh:
			return
		}
	}
}

func (t *ThrottleTracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, until := range t.until {
		if now.After(until) {
			delete(t.until, id)
		}
	}
}

// Stop shuts down the background cleanup goroutine. Safe to call more than
// once.
func (t *ThrottleTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}
