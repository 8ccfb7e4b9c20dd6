// Package ratelimit is a fixed-window request limiter keyed by caller and
// operation. It is an abuse guard: counts may be lost on restart and are
// approximate under heavy contention.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. RetryAfter is set only when
// the call was denied.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

// Store counts calls per key within fixed windows.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

// sweepEvery is how many Allow calls pass between purges of expired windows.
const sweepEvery = 1024

// MemoryStore keeps windows in process memory. One instance is shared by
// every route of a process.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	calls   int
	nowFunc func() time.Time
}

// NewMemoryStore returns a process-local store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: map[string]*window{}, nowFunc: time.Now}
}

// NewMemoryStoreWithClock is NewMemoryStore with an injected clock.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.nowFunc = now
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, limit int, win time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	s.calls++
	if s.calls%sweepEvery == 0 {
		s.sweep(now)
	}

	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		s.windows[key] = &window{count: 1, resetAt: now.Add(win)}
		return Decision{OK: true}, nil
	}
	if w.count >= limit {
		return Decision{RetryAfter: w.resetAt.Sub(now)}, nil
	}
	w.count++
	return Decision{OK: true}, nil
}

// Reset forgets every window.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = map[string]*window{}
	s.calls = 0
}

// Len returns how many windows are tracked.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, w := range s.windows {
		if now.After(w.resetAt) {
			delete(s.windows, k)
		}
	}
}
