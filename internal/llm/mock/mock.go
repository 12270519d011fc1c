// Package mock provides a scripted test double for the llm.Generator
// interface.
//
// Each Stream call consumes the next Script; the last script repeats once the
// list is exhausted, so a single script drives any number of turns. Steps can
// be gated on a channel to hold a stream mid-utterance, and Hang simulates a
// provider that never answers.
//
// Example:
//
//	gen := &mock.Generator{Scripts: []mock.Script{{
//	    Steps: []mock.Step{{Text: "We're open "}, {Text: "11am to 10pm."}},
//	}}}
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/mealtone-ai/mealtone/internal/convo"
	"github.com/mealtone-ai/mealtone/internal/llm"
)

// Step is one chunk emitted by a scripted stream.
type Step struct {
	// Text is the chunk content.
	Text string

	// Gate, if non-nil, blocks the step until the channel is closed. Used to
	// hold a stream open while the test injects a barge-in.
	Gate <-chan struct{}
}

// Script configures the behavior of one Stream invocation.
type Script struct {
	// StartErr, if non-nil, is returned from Stream without opening a stream.
	StartErr error

	// Hang keeps the stream silent until the context is cancelled,
	// simulating a stalled provider.
	Hang bool

	// Steps are emitted in order as chunks.
	Steps []Step

	// Final overrides the terminal response. When Final.Text is empty it
	// defaults to the concatenation of the step texts, which matches the
	// aggregation contract of the real adapter.
	Final llm.Final

	// Err, if non-nil, is reported by the stream's Final after the chunk
	// channel closes, simulating a mid-stream provider failure.
	Err error
}

// Call records a single Stream invocation.
type Call struct {
	// History is a snapshot of the history passed to Stream.
	History convo.History
}

// Generator is a scripted implementation of llm.Generator.
type Generator struct {
	mu sync.Mutex

	// Scripts drive successive Stream calls in order; the last entry repeats.
	// An empty list yields streams that finish immediately with an empty
	// terminal response.
	Scripts []Script

	// Calls records every Stream invocation in order.
	Calls []Call
}

var _ llm.Generator = (*Generator)(nil)

// Stream records the call and plays the next script.
func (g *Generator) Stream(ctx context.Context, history convo.History) (llm.Stream, error) {
	g.mu.Lock()
	snapshot := make(convo.History, len(history))
	copy(snapshot, history)
	idx := len(g.Calls)
	g.Calls = append(g.Calls, Call{History: snapshot})

	var script Script
	if len(g.Scripts) > 0 {
		if idx >= len(g.Scripts) {
			idx = len(g.Scripts) - 1
		}
		script = g.Scripts[idx]
	}
	g.mu.Unlock()

	if script.StartErr != nil {
		return nil, script.StartErr
	}

	st := &stream{
		chunks: make(chan llm.Chunk),
		done:   make(chan struct{}),
	}
	go st.play(ctx, script)
	return st, nil
}

// CallCount returns the number of Stream invocations so far.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Calls)
}

// Reset clears all recorded calls.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = nil
}

type stream struct {
	chunks chan llm.Chunk
	done   chan struct{}

	mu    sync.Mutex
	final llm.Final
	err   error
}

var _ llm.Stream = (*stream)(nil)

func (s *stream) play(ctx context.Context, script Script) {
	if script.Hang {
		<-ctx.Done()
		s.close(llm.Final{}, ctx.Err())
		return
	}

	var text strings.Builder
	for _, step := range script.Steps {
		if step.Gate != nil {
			select {
			case <-step.Gate:
			case <-ctx.Done():
				s.close(llm.Final{Text: text.String()}, ctx.Err())
				return
			}
		}
		select {
		case s.chunks <- llm.Chunk{Text: step.Text}:
			text.WriteString(step.Text)
		case <-ctx.Done():
			s.close(llm.Final{Text: text.String()}, ctx.Err())
			return
		}
	}

	final := script.Final
	if final.Text == "" {
		final.Text = text.String()
	}
	s.close(final, script.Err)
}

func (s *stream) close(final llm.Final, err error) {
	s.mu.Lock()
	s.final = final
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
}

func (s *stream) Chunks() <-chan llm.Chunk { return s.chunks }

func (s *stream) Final() (llm.Final, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.err
}
