package kv

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-instance dev runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memoryItem{}, now: time.Now}
}

// SetClock overrides the store's clock, for expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return "", ErrNotFound
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return "", ErrNotFound
	}
	return it.value, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.items[key]; ok {
		if it.expiresAt.IsZero() || s.now().Before(it.expiresAt) {
			return false, nil
		}
	}
	s.items[key] = memoryItem{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
