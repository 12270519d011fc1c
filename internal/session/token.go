package session

import "sync"

// CancelToken is a one-shot cancellation signal scoped to a single turn.
// Cancellation is terminal: once tripped a token never resets, and a new turn
// always allocates a fresh token.
//
// A token is safe for concurrent use. The transport read loop trips it while
// the turn worker polls it, so every accessor takes the lock or reads the
// closed channel.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	listeners map[int]func()
	nextID    int
	done      chan struct{}
}

// NewCancelToken returns a live token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel trips the token. The first call closes Done and runs every
// registered listener synchronously before returning, so a waiter selecting
// on Done can be unblocked in the same scheduling quantum as the trip.
// Subsequent calls are no-ops.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	listeners := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Cancelled reports whether the token has been tripped.
func (t *CancelToken) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel that closes when the token trips. The channel never
// delivers a value; select on it alongside other work.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// OnCancel registers fn to run exactly once when the token trips. If the
// token is already cancelled, fn runs synchronously before OnCancel returns.
// The returned function deregisters fn; calling it after the trip is a no-op.
func (t *CancelToken) OnCancel(fn func()) (remove func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		fn()
		return func() {}
	}
	if t.listeners == nil {
		t.listeners = make(map[int]func())
	}
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
