package service

import (
	"sync"
	"testing"
)

// TestStampedeTracker_CountsOverlappingFetches verifies that begin reports the
// number of overlapping fetches per key and that done releases exactly once.
func TestStampedeTracker_CountsOverlappingFetches(t *testing.T) {
	st := newStampedeTracker()
	key := "weather_service:12345"

	n1, done1 := st.begin(key)
	n2, done2 := st.begin(key)
	if n1 != 1 || n2 != 2 {
		t.Fatalf("begin counts = %d, %d; want 1, 2", n1, n2)
	}
	if n, done := st.begin("weather_service:A1A1A1"); n != 1 {
		t.Errorf("other key count = %d, want 1", n)
	} else {
		done()
	}

	done1()
	done1() // idempotent
	if got := st.active(key); got != 1 {
		t.Errorf("active after one done = %d, want 1", got)
	}
	done2()
	if got := st.active(key); got != 0 {
		t.Errorf("active after all done = %d, want 0", got)
	}
	if len(st.inFlight) != 0 {
		t.Errorf("inFlight map not cleaned up: %v", st.inFlight)
	}
}

// TestStampedeTracker_Concurrent verifies concurrent begin/done calls leave no residue.
func TestStampedeTracker_Concurrent(t *testing.T) {
	st := newStampedeTracker()
	key := "weather_service:10001"
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, done := st.begin(key)
			done()
		}()
	}
	wg.Wait()
	if got := st.active(key); got != 0 {
		t.Errorf("active after concurrent fetches = %d, want 0", got)
	}
}
