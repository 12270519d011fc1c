package session

import (
	"context"
	"errors"
	"time"

	"github.com/mealtone-ai/mealtone/internal/convo"
	"github.com/mealtone-ai/mealtone/internal/llm"
)

// Interruption sentinels. ErrCancelled and ErrTimedOut both match
// ErrInterrupted under [errors.Is]; callers that only care whether a turn
// should end silently test the base sentinel.
var (
	// ErrInterrupted is the base class for turns that ended without a usable
	// model response through no fault of the provider.
	ErrInterrupted = errors.New("session: turn interrupted")

	// ErrCancelled reports that the turn's token tripped while waiting on the
	// provider.
	ErrCancelled = &interruptError{"session: turn cancelled"}

	// ErrTimedOut reports that the provider produced no first response within
	// the stream-open timeout.
	ErrTimedOut = &interruptError{"session: stream open timed out"}
)

type interruptError struct{ msg string }

func (e *interruptError) Error() string { return e.msg }
func (e *interruptError) Unwrap() error { return ErrInterrupted }

// defaultStreamTimeout bounds the wait for the provider's first response.
const defaultStreamTimeout = 15 * time.Second

// openStream starts a generation and blocks until the provider's first event
// arrives, racing that wait against the turn's token and a wall-clock timer.
// Exactly one of the three wins:
//
//   - first event: the stream is returned with that event intact. The
//     provider context is chained to the token so a later trip aborts the
//     generation instead of letting it run to completion unobserved.
//   - token trip: returns ErrCancelled. The abandoned stream is drained in
//     the background so its producer goroutine can exit.
//   - timer: returns ErrTimedOut, with the same background drain.
//
// A start failure from the generator is returned as-is; the caller
// distinguishes it from interruptions via [errors.Is](err, ErrInterrupted).
func openStream(ctx context.Context, gen llm.Generator, history convo.History, tok *CancelToken, timeout time.Duration) (llm.Stream, error) {
	if tok.Cancelled() {
		return nil, ErrCancelled
	}
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}

	streamCtx, cancel := context.WithCancel(ctx)
	inner, err := gen.Stream(streamCtx, history)
	if err != nil {
		cancel()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case first, ok := <-inner.Chunks():
		return newOpenedStream(inner, first, ok, tok, cancel), nil
	case <-tok.Done():
		cancel()
		go drainStream(inner)
		return nil, ErrCancelled
	case <-timer.C:
		cancel()
		go drainStream(inner)
		return nil, ErrTimedOut
	}
}

// openedStream replays the first chunk consumed by the open race, then
// forwards the rest of the inner stream. Its forwarder watches the token so
// that a consumer which stops reading after a trip never strands the
// producer on a blocked send.
type openedStream struct {
	inner llm.Stream
	out   chan llm.Chunk
}

var _ llm.Stream = (*openedStream)(nil)

func newOpenedStream(inner llm.Stream, first llm.Chunk, hasFirst bool, tok *CancelToken, cancel context.CancelFunc) *openedStream {
	o := &openedStream{inner: inner, out: make(chan llm.Chunk)}
	remove := tok.OnCancel(cancel)

	go func() {
		defer func() {
			close(o.out)
			remove()
			cancel()
		}()
		if hasFirst {
			select {
			case o.out <- first:
			case <-tok.Done():
				go drainStream(inner)
				return
			}
		}
		for chunk := range inner.Chunks() {
			select {
			case o.out <- chunk:
			case <-tok.Done():
				go drainStream(inner)
				return
			}
		}
	}()
	return o
}

// Chunks returns the forwarded chunk channel. It closes when the inner
// stream ends or the token trips.
func (o *openedStream) Chunks() <-chan llm.Chunk { return o.out }

// Final blocks until the inner stream finishes and returns its terminal
// result. Callers on the cancellation path must not call Final; they abandon
// the stream instead.
func (o *openedStream) Final() (llm.Final, error) { return o.inner.Final() }

// drainStream discards the remainder of an abandoned stream so its producer
// goroutine can exit. The producer's context is already cancelled at this
// point, so the drain terminates quickly.
func drainStream(st llm.Stream) {
	for range st.Chunks() {
	}
}
