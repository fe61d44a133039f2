package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrPrefixUnsupported is returned by backends that cannot enumerate keys.
var ErrPrefixUnsupported = errors.New("cache backend does not support prefix deletion")

// Store is the key-value store shared by the weather cache and the rate limiter.
// Values are opaque bytes; expiry is enforced by the backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// Clear removes every key in the store, regardless of owner.
	Clear(ctx context.Context) error
}

// InMemoryStore implements Store using a map guarded by a mutex.
// Expired entries are removed on access and by Sweep.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string]storeEntry
	now  func() time.Time
}

// storeEntry stores a value with its expiration timestamp. Zero expiresAt never expires.
type storeEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]storeEntry),
		now:  time.Now,
	}
}

// Get returns (value, true, nil) on hit and (nil, false, nil) on miss or expiry.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set stores value for ttl. A non-positive ttl stores without expiry.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = storeEntry{value: stored, expiresAt: expiresAt}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(key)
	return ok, nil
}

func (s *InMemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	return nil
}

func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]storeEntry)
	return nil
}

// Sweep removes all expired entries and returns how many were removed.
// Scheduled periodically so keys that are never read again do not accumulate.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.data {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.data, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// liveLocked returns the entry for key, deleting it if expired. Must be called with mu held.
func (s *InMemoryStore) liveLocked(key string) (storeEntry, bool) {
	entry, ok := s.data[key]
	if !ok {
		return storeEntry{}, false
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.data, key)
		return storeEntry{}, false
	}
	return entry, true
}
