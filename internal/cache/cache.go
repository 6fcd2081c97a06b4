// Package cache provides a small TTL cache used for read-mostly metadata,
// with in-memory and Redis backends.
package cache

import (
	"context"
	"sync"
	"time"
)

// Backend is the interface for cache storage backends
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string)
}

// Stats tracks cache performance
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// entry is one in-memory cached value
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-memory TTL cache backend
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	stats   Stats
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory cache with a background cleanup loop.
func NewMemory(cleanupPeriod time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	if cleanupPeriod <= 0 {
		cleanupPeriod = 5 * time.Minute
	}
	go m.cleanupLoop(cleanupPeriod)
	return m
}

func (m *Memory) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Get returns the cached value when present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		m.mu.Lock()
		m.stats.Misses++
		if ok {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	m.mu.Lock()
	m.stats.Hits++
	m.mu.Unlock()
	return e.value, true
}

// Set stores a value with the given TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// GetStats returns a snapshot of hit/miss counters.
func (m *Memory) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Close stops the cleanup loop.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.done) })
}
