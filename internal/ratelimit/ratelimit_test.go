package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/postal-weather-service/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestLimiter(limit int) (*Limiter, *cache.InMemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)}
	store := cache.NewInMemoryStore()
	return New(store, limit, WithClock(clock.Now)), store, clock
}

// failingStore fails every operation.
type failingStore struct{ cache.Store }

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}

// readOnlyStore reads from an in-memory store but rejects writes.
type readOnlyStore struct{ *cache.InMemoryStore }

func (readOnlyStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }

func TestCheckAndIncrement_DailyQuota(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(0)

	for n := 1; n <= DefaultDailyLimit; n++ {
		d, err := l.CheckAndIncrement(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("request %d: error = %v", n, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", n)
		}
		if d.Status.CurrentRequests != n || d.Status.Remaining != DefaultDailyLimit-n {
			t.Fatalf("request %d: status = %+v, want current=%d remaining=%d", n, d.Status, n, DefaultDailyLimit-n)
		}
	}

	d, err := l.CheckAndIncrement(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("request 101: error = %v", err)
	}
	if d.Allowed {
		t.Fatal("request 101 allowed, want denied")
	}
	if d.Status.CurrentRequests != 100 || d.Status.Remaining != 0 || d.Status.Limit != 100 {
		t.Errorf("request 101: status = %+v, want current=100 remaining=0 limit=100", d.Status)
	}
}

func TestCheckAndIncrement_DeniedDoesNotGrowCounter(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(2)

	for i := 0; i < 5; i++ {
		_, _ = l.CheckAndIncrement(ctx, "client")
	}
	st, err := l.Status(ctx, "client")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CurrentRequests != 2 {
		t.Errorf("CurrentRequests = %d, want 2", st.CurrentRequests)
	}
}

func TestCheckAndIncrement_ClientsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(1)

	if d, _ := l.CheckAndIncrement(ctx, "a"); !d.Allowed {
		t.Fatal("client a first request denied")
	}
	if d, _ := l.CheckAndIncrement(ctx, "b"); !d.Allowed {
		t.Fatal("client b first request denied")
	}
	if d, _ := l.CheckAndIncrement(ctx, "a"); d.Allowed {
		t.Fatal("client a second request allowed")
	}
}

func TestCheckAndIncrement_NewDayStartsFresh(t *testing.T) {
	ctx := context.Background()
	l, _, clock := newTestLimiter(1)

	_, _ = l.CheckAndIncrement(ctx, "client")
	if d, _ := l.CheckAndIncrement(ctx, "client"); d.Allowed {
		t.Fatal("second request on day one allowed")
	}

	clock.Set(time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC))
	d, err := l.CheckAndIncrement(ctx, "client")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if !d.Allowed || d.Status.CurrentRequests != 1 {
		t.Errorf("first request of new day = %+v, want allowed with current=1", d)
	}
	if want := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC); !d.Status.ResetTime.Equal(want) {
		t.Errorf("ResetTime = %v, want %v", d.Status.ResetTime, want)
	}
}

func TestCheckAndIncrement_StoreResetRestartsCounter(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLimiter(0)

	for i := 0; i < DefaultDailyLimit; i++ {
		_, _ = l.CheckAndIncrement(ctx, "client")
	}
	if d, _ := l.CheckAndIncrement(ctx, "client"); d.Allowed {
		t.Fatal("request 101 allowed")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	d, _ := l.CheckAndIncrement(ctx, "client")
	if !d.Allowed || d.Status.CurrentRequests != 1 {
		t.Errorf("after reset = %+v, want allowed with current=1", d)
	}
}

func TestCheckAndIncrement_FailsOpenOnReadError(t *testing.T) {
	l := New(failingStore{}, 100)

	d, err := l.CheckAndIncrement(context.Background(), "client")
	if !errors.Is(err, errStoreDown) {
		t.Errorf("error = %v, want errStoreDown", err)
	}
	if !d.Allowed {
		t.Error("request denied on store failure, want allowed")
	}
}

func TestCheckAndIncrement_AllowsOnWriteError(t *testing.T) {
	l := New(readOnlyStore{cache.NewInMemoryStore()}, 100)

	d, err := l.CheckAndIncrement(context.Background(), "client")
	if !errors.Is(err, errStoreDown) {
		t.Errorf("error = %v, want errStoreDown", err)
	}
	if !d.Allowed {
		t.Error("request denied on write failure, want allowed")
	}
}

func TestCheckAndIncrement_CounterKeyAndTTL(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLimiter(0)

	_, _ = l.CheckAndIncrement(ctx, "198.51.100.1")
	raw, ok, err := store.Get(ctx, "rate_limit:198.51.100.1:2026-03-01")
	if err != nil || !ok {
		t.Fatalf("counter not found at expected key: ok=%v err=%v", ok, err)
	}
	if string(raw) != "1" {
		t.Errorf("counter = %q, want \"1\"", raw)
	}
}

func TestCheckAndIncrement_LongClientKeyIsBounded(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLimiter(2)
	long := strings.Repeat("a", 300)
	other := strings.Repeat("a", 299) + "b"

	for i := 0; i < 2; i++ {
		if d, err := l.CheckAndIncrement(ctx, long); err != nil || !d.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
	}
	if d, _ := l.CheckAndIncrement(ctx, long); d.Allowed {
		t.Error("third request from long client allowed, want denied")
	}
	if d, _ := l.CheckAndIncrement(ctx, other); !d.Allowed || d.Status.CurrentRequests != 1 {
		t.Errorf("distinct long client = %+v, want its own counter at 1", d)
	}

	key := counterKey(long, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if len(key) > 250 || strings.Contains(key, long) {
		t.Errorf("counterKey length = %d, want hashed key within 250 bytes", len(key))
	}
	if ok, _ := store.Exists(ctx, key); !ok {
		t.Errorf("counter not stored at %q", key)
	}
	if got := counterKey("2001:db8::1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)); got != "rate_limit:2001:db8::1:2026-03-01" {
		t.Errorf("short client key = %q, want address kept verbatim", got)
	}
}

func TestStatus_CorruptCounterReadsAsZero(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLimiter(0)

	_ = store.Set(ctx, "rate_limit:client:2026-03-01", []byte("garbage"), time.Hour)
	st, err := l.Status(ctx, "client")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CurrentRequests != 0 || st.Remaining != 100 {
		t.Errorf("Status() = %+v, want current=0 remaining=100", st)
	}
}

func TestNextReset(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		// 20:00 in UTC-5 is already the next UTC day.
		{time.Date(2026, 3, 1, 20, 0, 0, 0, time.FixedZone("EST", -5*3600)), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := NextReset(tt.now); !got.Equal(tt.want) {
			t.Errorf("NextReset(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestExceededMessage(t *testing.T) {
	want := "Rate limit exceeded. Maximum 100 requests per day per IP address."
	if got := ExceededMessage(100); got != want {
		t.Errorf("ExceededMessage(100) = %q, want %q", got, want)
	}
}

func TestStatus_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	st := Status{ResetTime: NextReset(now)}
	if got := st.RetryAfter(now); got != time.Hour {
		t.Errorf("RetryAfter() = %v, want 1h", got)
	}
	if got := st.RetryAfter(now.Add(2 * time.Hour)); got != 0 {
		t.Errorf("RetryAfter() after reset = %v, want 0", got)
	}
}
