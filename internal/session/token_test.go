package session_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mealtone-ai/mealtone/internal/session"
)

func TestCancelTokenStartsLive(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	if tok.Cancelled() {
		t.Fatal("new token reports cancelled")
	}
	select {
	case <-tok.Done():
		t.Fatal("Done closed before Cancel")
	default:
	}
}

func TestCancelTokenCancelIsTerminal(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	tok.Cancel()
	tok.Cancel() // second trip must be a no-op

	if !tok.Cancelled() {
		t.Fatal("Cancelled() = false after Cancel")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed after Cancel")
	}
}

func TestCancelTokenDoneUnblocksWaiter(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	unblocked := make(chan struct{})
	go func() {
		<-tok.Done()
		close(unblocked)
	}()

	tok.Cancel()
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not unblocked by Cancel")
	}
}

func TestCancelTokenOnCancelRunsOnce(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	var calls atomic.Int32
	tok.OnCancel(func() { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("listener ran %d times, want 1", got)
	}
}

func TestCancelTokenOnCancelAfterTripRunsImmediately(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	tok.Cancel()

	ran := false
	tok.OnCancel(func() { ran = true })
	if !ran {
		t.Fatal("listener registered after trip did not run synchronously")
	}
}

func TestCancelTokenRemoveDeregistersListener(t *testing.T) {
	t.Parallel()

	tok := session.NewCancelToken()
	var calls atomic.Int32
	remove := tok.OnCancel(func() { calls.Add(1) })
	remove()
	remove() // removing twice is harmless

	tok.Cancel()
	if got := calls.Load(); got != 0 {
		t.Fatalf("removed listener ran %d times, want 0", got)
	}
}
