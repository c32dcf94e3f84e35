package atomic

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// MemStore is a process-local Store with the same semantics as the Redis
// implementation: counters start at 0, lock acquisition is set-if-absent
// with expiry, release is compare-and-delete. It must not be used for
// cross-process coordination.
type MemStore struct {
	mu sync.Mutex
	m  map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]memEntry)}
}

func (s *MemStore) Increment(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if e, ok := s.m[key]; ok && !e.expired(time.Now()) {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur++
	s.m[key] = memEntry{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (s *MemStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.m[key]; ok && !e.expired(now) {
		return "", nil
	}
	token := newToken()
	s.m[key] = memEntry{value: token, expireAt: now.Add(ttl)}
	return token, nil
}

func (s *MemStore) ReleaseLock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok && !e.expired(time.Now()) && e.value == token {
		delete(s.m, key)
	}
	return nil
}

func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || e.expired(time.Now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{value: value}
	return nil
}

func (s *MemStore) SetTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = memEntry{value: value, expireAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
