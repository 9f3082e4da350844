// Package ratelimit implements the fixed-window counter rate limiter (spec
// §4.5), keyed by (principal, purpose). The preferred backend is a KV store
// reached through an atomic INCR-then-conditional-EXPIRE script so a KV
// restart between the two steps can never leave a key without a TTL
// (property P6). A bounded in-memory backend is available as a fallback,
// and callers choose fail-open vs fail-closed behaviour per purpose.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Window describes one rate-limit rule: at most Max events per Window.
type Window struct {
	Max    int
	Window time.Duration
}

// Backend is satisfied by both the KV-backed and in-memory limiters.
type Backend interface {
	// Allow increments the counter for key under w and reports whether the
	// event is within the limit. err is non-nil only on a backend failure
	// (e.g. KV unreachable) — callers decide fail-open/fail-closed from err.
	Allow(ctx context.Context, key string, w Window) (allowed bool, err error)
}

// Limiter wraps a Backend with the fail-open/fail-closed policy for a given
// purpose. Client-message rate limiting is fail-closed; everything else
// (agent message rate, typing debounce) is fail-open with a warning — the
// caller is expected to log the warning since Limiter has no logger
// dependency of its own.
type Limiter struct {
	backend   Backend
	failOpen  bool
}

// New creates a Limiter. failOpen selects the policy applied when the
// backend itself errors (e.g. KV unreachable): true allows the event
// through, false rejects it.
func New(backend Backend, failOpen bool) *Limiter {
	return &Limiter{backend: backend, failOpen: failOpen}
}

// Allow reports whether the event identified by key is within w. On a
// backend error it returns the configured fail-open/fail-closed decision
// and the error, so the caller can still log the degraded condition.
func (l *Limiter) Allow(ctx context.Context, key string, w Window) (allowed bool, backendErr error) {
	allowed, err := l.backend.Allow(ctx, key, w)
	if err != nil {
		return l.failOpen, err
	}
	return allowed, nil
}

// --- In-memory backend -----------------------------------------------------

type memEntry struct {
	count   int
	resetAt time.Time
	elem    *list.Element // position in insertion-order eviction list
}

// MemoryBackend is a bounded in-memory fixed-window counter for tests and
// single-process deployments. Nothing in this module switches to it
// automatically when the KV backend is unreachable; a Limiter built on a
// RedisBackend applies its fail-open/fail-closed policy instead.
//
// Eviction: on insertion when at capacity, first sweep expired entries; if
// still full, evict the oldest insertion (FIFO via order). A background
// sweeper additionally runs every 60s to reclaim expired entries proactively
// so Allow's insertion-time sweep stays cheap in the common case.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	order    *list.List // front = oldest insertion
	capacity int

	stopSweep chan struct{}
	stopOnce  sync.Once
}

const (
	defaultMemCapacity = 10_000
	sweepInterval      = 60 * time.Second
)

// NewMemoryBackend creates a MemoryBackend bounded at capacity entries
// (default 10,000 when capacity <= 0) and starts its background sweeper.
// Call Stop to release the sweeper goroutine.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	m := &MemoryBackend{
		entries:   make(map[string]*memEntry),
		order:     list.New(),
		capacity:  capacity,
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop terminates the background sweeper. Safe to call more than once.
func (m *MemoryBackend) Stop() {
	m.stopOnce.Do(func() { close(m.stopSweep) })
}

func (m *MemoryBackend) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired(time.Now())
		case <-m.stopSweep:
			return
		}
	}
}

// Allow implements Backend. Strict fixed-window semantics: the TTL/resetAt
// of a key is set only when the window is first created and is never
// extended by subsequent increments within that window.
func (m *MemoryBackend) Allow(_ context.Context, key string, w Window) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if exists && now.After(entry.resetAt) {
		// Window expired — start a fresh one in place.
		entry.count = 0
		entry.resetAt = now.Add(w.Window)
	}

	if !exists {
		if len(m.entries) >= m.capacity {
			m.sweepExpiredLocked(now)
			if len(m.entries) >= m.capacity {
				m.evictOldestLocked()
			}
		}
		entry = &memEntry{count: 0, resetAt: now.Add(w.Window)}
		entry.elem = m.order.PushBack(key)
		m.entries[key] = entry
	}

	entry.count++
	return entry.count <= w.Max, nil
}

func (m *MemoryBackend) sweepExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpiredLocked(now)
}

func (m *MemoryBackend) sweepExpiredLocked(now time.Time) {
	var next *list.Element
	for e := m.order.Front(); e != nil; e = next {
		next = e.Next()
		key := e.Value.(string)
		entry := m.entries[key]
		if entry != nil && now.After(entry.resetAt) {
			delete(m.entries, key)
			m.order.Remove(e)
		}
	}
}

func (m *MemoryBackend) evictOldestLocked() {
	front := m.order.Front()
	if front == nil {
		return
	}
	key := front.Value.(string)
	delete(m.entries, key)
	m.order.Remove(front)
}

// Key builds the canonical (principal, purpose) rate-limit key.
func Key(principalID, purpose string) string {
	return fmt.Sprintf("ratelimit:%s:%s", purpose, principalID)
}
