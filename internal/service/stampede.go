package service

import "sync"

// stampedeTracker counts upstream fetches in progress per cache key. More than
// one at a time means concurrent misses for the same postal code are each
// paying for an upstream call. It only measures; it does not coalesce.
type stampedeTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{inFlight: make(map[string]int)}
}

// begin registers a fetch for key and returns how many are now in flight
// (including this one) and a func that must be called when the fetch ends.
func (st *stampedeTracker) begin(key string) (int, func()) {
	st.mu.Lock()
	st.inFlight[key]++
	n := st.inFlight[key]
	st.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() { st.end(key) })
	}
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight[key] <= 1 {
		delete(st.inFlight, key)
		return
	}
	st.inFlight[key]--
}

// active returns the number of fetches in flight for key.
func (st *stampedeTracker) active(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight[key]
}
