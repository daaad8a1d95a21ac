package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// Memory is an in-process Limiter. Expired windows are dropped lazily by
// Prune.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]window
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]window)}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, span time.Duration) (Decision, error) {
	if limit <= 0 {
		return unlimited(limit), nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.entries[key]
	if rec.reset.IsZero() || !now.Before(rec.reset) {
		rec = window{reset: now.Add(span)}
	}
	if rec.count >= limit {
		m.entries[key] = rec
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: rec.reset}, nil
	}
	rec.count++
	m.entries[key] = rec
	return Decision{Allowed: true, Limit: limit, Remaining: limit - rec.count, ResetAt: rec.reset}, nil
}

// Prune removes windows that have already reset.
func (m *Memory) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.entries {
		if !now.Before(rec.reset) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

type Stats struct {
	Keys int `json:"keys"`
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Keys: len(m.entries)}
}
