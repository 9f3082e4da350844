package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_FixedWindow(t *testing.T) {
	m := NewMemoryBackend(10)
	defer m.Stop()
	w := Window{Max: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(context.Background(), "u1", w)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := m.Allow(context.Background(), "u1", w)
	require.NoError(t, err)
	assert.False(t, ok, "4th event within the window must be rejected")
}

func TestMemoryBackend_WindowDoesNotResetOnUpdate(t *testing.T) {
	m := NewMemoryBackend(10)
	defer m.Stop()
	w := Window{Max: 2, Window: 50 * time.Millisecond}

	ok, err := m.Allow(context.Background(), "u1", w)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	// A second increment inside the window must not push resetAt forward.
	_, err = m.Allow(context.Background(), "u1", w)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond) // total 60ms > 50ms window
	ok, err = m.Allow(context.Background(), "u1", w)
	require.NoError(t, err)
	assert.True(t, ok, "window should have reset and count restarted at 1")
}

func TestMemoryBackend_EvictsOldestWhenFull(t *testing.T) {
	m := NewMemoryBackend(2)
	defer m.Stop()
	w := Window{Max: 10, Window: time.Minute}

	_, _ = m.Allow(context.Background(), "a", w)
	_, _ = m.Allow(context.Background(), "b", w)
	// Capacity is 2; inserting a third distinct key must evict "a" (oldest).
	_, _ = m.Allow(context.Background(), "c", w)

	m.mu.Lock()
	_, hasA := m.entries["a"]
	_, hasB := m.entries["b"]
	_, hasC := m.entries["c"]
	m.mu.Unlock()

	assert.False(t, hasA)
	assert.True(t, hasB)
	assert.True(t, hasC)
}

func TestLimiter_FailOpenOnBackendError(t *testing.T) {
	l := New(&erroringBackend{}, true)
	ok, err := l.Allow(context.Background(), "k", Window{Max: 1, Window: time.Second})
	require.Error(t, err)
	assert.True(t, ok)
}

func TestLimiter_FailClosedOnBackendError(t *testing.T) {
	l := New(&erroringBackend{}, false)
	ok, err := l.Allow(context.Background(), "k", Window{Max: 1, Window: time.Second})
	require.Error(t, err)
	assert.False(t, ok)
}

type erroringBackend struct{}

func (e *erroringBackend) Allow(context.Context, string, Window) (bool, error) {
	return false, assertErr
}

var assertErr = &backendErr{"kv unreachable"}

type backendErr struct{ msg string }

func (b *backendErr) Error() string { return b.msg }
