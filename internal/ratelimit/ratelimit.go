// Package ratelimit implements the per-client daily request quota: a fixed
// window keyed by client address and UTC calendar day, counted in the shared
// key-value store.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/postal-weather-service/internal/cache"
)

const (
	// DefaultDailyLimit is the number of requests a client may make per UTC day.
	DefaultDailyLimit = 100

	// KeyPrefix namespaces counters in the shared store.
	KeyPrefix = "rate_limit:"

	// counterTTL is refreshed on every write so a counter outlives its day.
	counterTTL = 24 * time.Hour

	dayLayout = "2006-01-02"

	// maxClientKeyLen bounds the client part of a counter key. An IPv6
	// address with zone fits; longer identifiers are hashed.
	maxClientKeyLen = 64
)

// ResetMessage accompanies every rate-limit-exceeded response.
const ResetMessage = "Rate limit resets daily at midnight UTC"

// ExceededMessage returns the policy message for a limit-exceeded response.
func ExceededMessage(limit int) string {
	return fmt.Sprintf("Rate limit exceeded. Maximum %d requests per day per IP address.", limit)
}

// Status is a client's quota usage for the current UTC day.
type Status struct {
	CurrentRequests int       `json:"current_requests"`
	Limit           int       `json:"limit"`
	Remaining       int       `json:"remaining"`
	ResetTime       time.Time `json:"reset_time"`
}

// Decision is the outcome of CheckAndIncrement. Status reflects the counter after the call.
type Decision struct {
	Allowed bool
	Status  Status
}

// RetryAfter is the time left until the window resets, never negative.
func (s Status) RetryAfter(now time.Time) time.Duration {
	if wait := s.ResetTime.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Limiter counts requests per (client, UTC day) in a cache.Store.
type Limiter struct {
	store cache.Store
	limit int
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. For tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter allowing limit requests per client per day. A non-positive
// limit uses DefaultDailyLimit.
func New(store cache.Store, limit int, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	l := &Limiter{store: store, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured daily limit.
func (l *Limiter) Limit() int { return l.limit }

// CheckAndIncrement admits or denies one request from client. A client at or
// over the limit is denied and its counter is left unchanged.
//
// If the counter cannot be read the request is allowed without counting and the
// error is returned alongside the decision. A failed write also allows.
func (l *Limiter) CheckAndIncrement(ctx context.Context, client string) (Decision, error) {
	now := l.now().UTC()
	key := counterKey(client, now)

	count, err := l.read(ctx, key)
	if err != nil {
		return Decision{Allowed: true, Status: l.status(0, now)}, fmt.Errorf("read rate counter %s: %w", key, err)
	}
	if count >= l.limit {
		return Decision{Allowed: false, Status: l.status(count, now)}, nil
	}

	count++
	if err := l.store.Set(ctx, key, []byte(strconv.Itoa(count)), counterTTL); err != nil {
		return Decision{Allowed: true, Status: l.status(count, now)}, fmt.Errorf("write rate counter %s: %w", key, err)
	}
	return Decision{Allowed: true, Status: l.status(count, now)}, nil
}

// Status reports client's usage for today without counting a request.
func (l *Limiter) Status(ctx context.Context, client string) (Status, error) {
	now := l.now().UTC()
	key := counterKey(client, now)
	count, err := l.read(ctx, key)
	if err != nil {
		return l.status(0, now), fmt.Errorf("read rate counter %s: %w", key, err)
	}
	return l.status(count, now), nil
}

// read returns the stored count, 0 when absent. An unparsable value counts as 0
// and is overwritten by the next admitted request.
func (l *Limiter) read(ctx context.Context, key string) (int, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (l *Limiter) status(count int, now time.Time) Status {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		CurrentRequests: count,
		Limit:           l.limit,
		Remaining:       remaining,
		ResetTime:       NextReset(now),
	}
}

// NextReset returns the next UTC midnight after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func counterKey(client string, now time.Time) string {
	return KeyPrefix + clientKey(client) + ":" + now.UTC().Format(dayLayout)
}

// clientKey keeps counter keys within store key limits (memcached allows 250
// bytes) whatever the caller sends as its address.
func clientKey(client string) string {
	if len(client) <= maxClientKeyLen {
		return client
	}
	sum := sha256.Sum256([]byte(client))
	return "sha256-" + hex.EncodeToString(sum[:])
}
