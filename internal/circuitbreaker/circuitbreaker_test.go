package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCall_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{FailureThreshold: 3, Timeout: time.Hour, Component: "test"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Call(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while circuit was open")
	}
}

func TestCall_SuccessResetsFailureStreak(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Timeout: time.Hour})
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errBoom })
	_ = cb.Call(ctx, func() error { return nil })
	_ = cb.Call(ctx, func() error { return errBoom })

	if got := cb.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed (failures were not consecutive)", got)
	}
}

func TestCall_HalfOpenClosesAfterSuccesses(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cb := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
		OnStateChange: func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return errBoom })
	time.Sleep(40 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Call(ctx, func() error { return nil }); err != nil {
			t.Fatalf("probe %d error = %v", i, err)
		}
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCall_CanceledContext(t *testing.T) {
	cb := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Call(ctx, func() error { t.Error("fn should not run"); return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
}
