package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mealtone-ai/mealtone/internal/convo"
	"github.com/mealtone-ai/mealtone/internal/llm"
	"github.com/mealtone-ai/mealtone/internal/llm/mock"
)

func testHistory() convo.History {
	return convo.History{convo.TextTurn(convo.RoleUser, "hello")}
}

func TestOpenStreamDeliversAllChunks(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{
		Steps: []mock.Step{{Text: "We're open "}, {Text: "11am to 10pm."}},
	}}}
	tok := NewCancelToken()

	st, err := openStream(context.Background(), gen, testHistory(), tok, time.Second)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}

	var got []string
	for chunk := range st.Chunks() {
		got = append(got, chunk.Text)
	}
	if len(got) != 2 || got[0] != "We're open " || got[1] != "11am to 10pm." {
		t.Fatalf("chunks = %q, want the scripted pair in order", got)
	}

	final, err := st.Final()
	if err != nil {
		t.Fatalf("Final: %v", err)
	}
	if final.Text != "We're open 11am to 10pm." {
		t.Fatalf("final text = %q", final.Text)
	}
}

func TestOpenStreamPreCancelledToken(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{Steps: []mock.Step{{Text: "hi"}}}}}
	tok := NewCancelToken()
	tok.Cancel()

	_, err := openStream(context.Background(), gen, testHistory(), tok, time.Second)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, ErrInterrupted) {
		t.Fatal("ErrCancelled must match ErrInterrupted")
	}
	if gen.CallCount() != 0 {
		t.Fatal("generator invoked despite pre-cancelled token")
	}
}

func TestOpenStreamCancelDuringWait(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{Hang: true}}}
	tok := NewCancelToken()

	errCh := make(chan error, 1)
	go func() {
		_, err := openStream(context.Background(), gen, testHistory(), tok, time.Minute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tok.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("openStream still blocked after token trip")
	}
}

func TestOpenStreamTimesOut(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{Hang: true}}}
	tok := NewCancelToken()

	start := time.Now()
	_, err := openStream(context.Background(), gen, testHistory(), tok, 30*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if !errors.Is(err, ErrInterrupted) {
		t.Fatal("ErrTimedOut must match ErrInterrupted")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timed out after %v, want roughly the configured timeout", elapsed)
	}
}

func TestOpenStreamStartErrorPassesThrough(t *testing.T) {
	t.Parallel()

	startErr := errors.New("upstream refused")
	gen := &mock.Generator{Scripts: []mock.Script{{StartErr: startErr}}}
	tok := NewCancelToken()

	_, err := openStream(context.Background(), gen, testHistory(), tok, time.Second)
	if !errors.Is(err, startErr) {
		t.Fatalf("err = %v, want the generator's start error", err)
	}
	if errors.Is(err, ErrInterrupted) {
		t.Fatal("a provider failure must not look like an interruption")
	}
}

func TestOpenStreamEmptyStreamYieldsClosedChannel(t *testing.T) {
	t.Parallel()

	// A pure tool-call response delivers no text chunks at all.
	gen := &mock.Generator{Scripts: []mock.Script{{
		Final: llm.Final{ToolCall: &convo.ToolCall{Name: "get_menu", Args: map[string]any{}}},
	}}}
	tok := NewCancelToken()

	st, err := openStream(context.Background(), gen, testHistory(), tok, time.Second)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	if _, ok := <-st.Chunks(); ok {
		t.Fatal("expected no chunks from an empty stream")
	}
	final, err := st.Final()
	if err != nil {
		t.Fatalf("Final: %v", err)
	}
	if final.ToolCall == nil || final.ToolCall.Name != "get_menu" {
		t.Fatalf("final = %+v, want the scripted tool call", final)
	}
}

func TestOpenStreamAbandonedConsumerDoesNotStrandProducer(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{{
		Steps: []mock.Step{{Text: "first"}, {Gate: gate, Text: "second"}, {Text: "third"}},
	}}}
	tok := NewCancelToken()

	st, err := openStream(context.Background(), gen, testHistory(), tok, time.Second)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	if chunk := <-st.Chunks(); chunk.Text != "first" {
		t.Fatalf("first chunk = %q", chunk.Text)
	}

	// Stop reading and trip the token mid-stream. The forwarder must close
	// its channel and the producer must unwind via its cancelled context.
	tok.Cancel()
	close(gate)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-st.Chunks():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("forwarder never closed after the token tripped")
		}
	}
}
