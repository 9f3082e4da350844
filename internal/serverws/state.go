package serverws

import "sync/atomic"

// connState is the endpoint lifecycle state from invariant I1:
// Connecting -> Authenticating -> Authenticated -> Closed. An endpoint
// starts in Authenticating immediately (the first frame it may send is
// already expected to be an auth frame), so Connecting is a nominal state
// that exists for documentation purposes only — in this implementation
// Authenticating is entered the instant the WebSocket upgrade completes.
type connState int32

const (
	stateAuthenticating connState = iota
	stateAuthenticated
	stateClosed
)

// stateBox is an atomic holder for connState, embedded by both endpoint
// types so their state transitions are lock-free and visible to the auth
// timer goroutine without taking the endpoint's write lock.
type stateBox struct {
	v atomic.Int32
}

func (s *stateBox) get() connState {
	return connState(s.v.Load())
}

func (s *stateBox) set(v connState) {
	s.v.Store(int32(v))
}

// compareAndSwap is used by the auth-timeout goroutine to close the
// endpoint only if it is still Authenticating — if auth already completed
// (or the endpoint already closed) the timer is a no-op.
func (s *stateBox) compareAndSwap(old, new connState) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}
