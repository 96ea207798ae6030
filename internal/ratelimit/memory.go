package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore is a per-process token bucket per key: max tokens, refilled
// evenly over window. Counters are not shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, max int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(rate.Every(window/time.Duration(max)), max)}
		s.entries[key] = entry
	}
	entry.lastSeen = now
	s.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, window, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay, nil
	}
	return true, 0, nil
}

func (s *MemoryStore) PurgeStale(_ context.Context, before time.Time, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, entry := range s.entries {
		if entry.lastSeen.Before(before) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}
