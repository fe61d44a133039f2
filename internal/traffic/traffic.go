// Package traffic keeps short sliding windows of weather fetch outcomes and
// rate-limit denials. The health endpoint and the window gauges read from it.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long timestamps are kept. Windows longer than this undercount.
const retention = 15 * time.Minute

var defaultTracker = NewTracker(time.Now)

// RecordFetchSuccess records a weather lookup that returned data (cache hit or upstream).
func RecordFetchSuccess() { defaultTracker.RecordFetchSuccess() }

// RecordFetchError records a weather lookup that failed upstream.
func RecordFetchError() { defaultTracker.RecordFetchError() }

// RecordDenied records a 429 from either limiter.
func RecordDenied() { defaultTracker.RecordDenied() }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errors, total) within the window. Denials are not part of total.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu        sync.Mutex
	now       func() time.Time
	successes []time.Time
	errors    []time.Time
	denied    []time.Time
}

// NewTracker returns a Tracker reading time from now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

func (t *Tracker) RecordFetchSuccess() { t.record(&t.successes) }

func (t *Tracker) RecordFetchError() { t.record(&t.errors) }

func (t *Tracker) RecordDenied() { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.errors, cutoff)
	return errors, errors + countSince(t.successes, cutoff)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes, t.errors, t.denied = nil, nil, nil
}

// countSince counts timestamps at or after cutoff. Slices are append-ordered.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	for _, slice := range []*[]time.Time{&t.successes, &t.errors, &t.denied} {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}
