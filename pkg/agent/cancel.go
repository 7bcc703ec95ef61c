package agent

import "sync/atomic"

// CancelToken is a cooperative stop flag for one running turn. The loop
// polls it between model calls and between tool dispatches; it never
// interrupts a call already in flight.
type CancelToken struct {
	requested atomic.Bool
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Request flips the token. It returns true only for the flip itself, so
// callers can tell a fresh cancellation from a repeat.
func (t *CancelToken) Request() bool {
	return t.requested.CompareAndSwap(false, true)
}

// Requested reports whether cancellation has been requested.
func (t *CancelToken) Requested() bool {
	return t.requested.Load()
}
