package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mealtone-ai/mealtone/internal/convo"
	"github.com/mealtone-ai/mealtone/internal/llm"
	"github.com/mealtone-ai/mealtone/internal/llm/mock"
	"github.com/mealtone-ai/mealtone/pkg/voicewire"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// recordingSink captures every outbound frame and republishes it on a
// channel so tests can wait for specific frames without sleeping.
type recordingSink struct {
	mu     sync.Mutex
	frames []voicewire.OutboundFrame
	open   bool
	ch     chan voicewire.OutboundFrame
}

func newRecordingSink() *recordingSink {
	return &recordingSink{open: true, ch: make(chan voicewire.OutboundFrame, 256)}
}

func (s *recordingSink) WriteFrame(_ context.Context, f voicewire.OutboundFrame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	select {
	case s.ch <- f:
	default:
	}
	return nil
}

func (s *recordingSink) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *recordingSink) setOpen(v bool) {
	s.mu.Lock()
	s.open = v
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []voicewire.OutboundFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]voicewire.OutboundFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSink) forID(responseID int) []voicewire.OutboundFrame {
	var out []voicewire.OutboundFrame
	for _, f := range s.snapshot() {
		if f.ResponseID == responseID {
			out = append(out, f)
		}
	}
	return out
}

// waitFrame blocks until a frame matching the predicate arrives.
func (s *recordingSink) waitFrame(t *testing.T, match func(voicewire.OutboundFrame) bool) voicewire.OutboundFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.ch:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("expected frame never arrived; got %+v", s.snapshot())
		}
	}
}

func (s *recordingSink) waitFinal(t *testing.T, responseID int) voicewire.OutboundFrame {
	t.Helper()
	return s.waitFrame(t, func(f voicewire.OutboundFrame) bool {
		return f.ResponseID == responseID && f.ContentComplete
	})
}

// stubTools returns a fixed payload and records every dispatch.
type stubTools struct {
	mu      sync.Mutex
	payload map[string]any
	panicOn string
	calls   []string
}

func (s *stubTools) Dispatch(_ context.Context, name string, _ map[string]any) map[string]any {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	if s.panicOn != "" && s.panicOn == name {
		panic("tool exploded")
	}
	return s.payload
}

func (s *stubTools) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestSession(t *testing.T, gen llm.Generator, sink Sink, tools ToolRunner) *Session {
	t.Helper()
	s := New(Config{
		TenantID:      "tn-demo",
		CallID:        "call-demo",
		Generator:     gen,
		Tools:         tools,
		Sink:          sink,
		StreamTimeout: 2 * time.Second,
	})
	t.Cleanup(s.Close)
	return s
}

func inbound(t *testing.T, f voicewire.InboundFrame) []byte {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal inbound frame: %v", err)
	}
	return b
}

func responseRequired(t *testing.T, id int, userText string) []byte {
	t.Helper()
	f := voicewire.InboundFrame{
		InteractionType: voicewire.InteractionResponseRequired,
		ResponseID:      id,
	}
	if userText != "" {
		f.Transcript = []voicewire.Utterance{{Role: "user", Content: userText}}
	}
	return inbound(t, f)
}

func bargeIn(t *testing.T) []byte {
	t.Helper()
	return inbound(t, voicewire.InboundFrame{
		InteractionType: voicewire.InteractionUpdateOnly,
		TurnTaking:      voicewire.TurnTakingUserTurn,
	})
}

func handle(t *testing.T, s *Session, data []byte) {
	t.Helper()
	if err := s.HandleFrame(data); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *Session) historySnapshot() convo.History {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(convo.History, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) isGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

// ---------------------------------------------------------------------------
// Full-turn behaviors
// ---------------------------------------------------------------------------

func TestSessionSimpleQuestionAndAnswer(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{
		Steps: []mock.Step{{Text: "We're open "}, {Text: "11am to 10pm."}},
	}}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 1, "What hours are you open?"))
	sink.waitFinal(t, 1)
	s.Close()

	frames := sink.forID(1)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 2 partials and a final: %+v", len(frames), frames)
	}
	if frames[0].Content != "We're open " || frames[0].ContentComplete {
		t.Fatalf("first frame = %+v", frames[0])
	}
	if frames[1].Content != "11am to 10pm." || frames[1].ContentComplete {
		t.Fatalf("second frame = %+v", frames[1])
	}
	if !frames[2].ContentComplete || frames[2].Content != "" {
		t.Fatalf("final frame = %+v", frames[2])
	}

	h := s.historySnapshot()
	if len(h) != 2 {
		t.Fatalf("history has %d turns, want 2", len(h))
	}
	if h[0].Role != convo.RoleUser || h[0].Text() != "What hours are you open?" {
		t.Fatalf("history[0] = %+v", h[0])
	}
	if h[1].Role != convo.RoleModel || h[1].Text() != "We're open 11am to 10pm." {
		t.Fatalf("history[1] = %+v", h[1])
	}
	if err := convo.Validate(h); err != nil {
		t.Fatalf("history invalid: %v", err)
	}
}

func TestSessionToolCallFlow(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{
		{Final: llm.Final{ToolCall: &convo.ToolCall{Name: "get_menu", Args: map[string]any{}}}},
		{Steps: []mock.Step{{Text: "We have bulgogi and galbi today."}}},
	}}
	sink := newRecordingSink()
	tools := &stubTools{payload: map[string]any{"menu": "Bulgogi $18. Galbi $24."}}
	s := newTestSession(t, gen, sink, tools)

	handle(t, s, responseRequired(t, 2, "What's on the menu?"))
	sink.waitFinal(t, 2)
	s.Close()

	if calls := tools.callNames(); len(calls) != 1 || calls[0] != "get_menu" {
		t.Fatalf("tool calls = %v, want one get_menu", calls)
	}

	h := s.historySnapshot()
	if len(h) != 4 {
		t.Fatalf("history has %d turns, want user/tool-call/tool-result/model", len(h))
	}
	if h[1].FirstToolCall() == nil || h[1].FirstToolCall().Name != "get_menu" {
		t.Fatalf("history[1] = %+v, want a get_menu call", h[1])
	}
	if h[2].Role != convo.RoleUser || h[2].Parts[0].ToolResult == nil {
		t.Fatalf("history[2] = %+v, want a user-role tool result", h[2])
	}
	if h[3].Text() != "We have bulgogi and galbi today." {
		t.Fatalf("history[3] = %+v", h[3])
	}
	if err := convo.Validate(h); err != nil {
		t.Fatalf("history invalid: %v", err)
	}

	// The follow-up generation must have seen the tool exchange.
	if gen.CallCount() != 2 {
		t.Fatalf("generator called %d times, want 2", gen.CallCount())
	}
	if got := len(gen.Calls[1].History); got != 3 {
		t.Fatalf("phase-two history has %d turns, want 3", got)
	}
}

func TestSessionBargeInCancelsMidStream(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{
		{Steps: []mock.Step{{Text: "We're open "}, {Gate: gate, Text: "11am to 10pm."}}},
		{Steps: []mock.Step{{Text: "Yes, we have vegetarian options."}}},
	}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 3, "What hours are you open?"))
	sink.waitFrame(t, func(f voicewire.OutboundFrame) bool {
		return f.ResponseID == 3 && f.Content == "We're open "
	})

	// Caller talks over the agent, then the transport requests the next turn.
	handle(t, s, bargeIn(t))
	handle(t, s, responseRequired(t, 4, "Do you have vegetarian options?"))
	sink.waitFinal(t, 4)
	s.Close()

	if frames := sink.forID(3); len(frames) != 1 {
		t.Fatalf("cancelled turn emitted %d frames, want exactly the one partial: %+v", len(frames), frames)
	}

	h := s.historySnapshot()
	if len(h) != 2 {
		t.Fatalf("history has %d turns, want the cancelled turn rolled back", len(h))
	}
	if h[0].Text() != "Do you have vegetarian options?" {
		t.Fatalf("history[0] = %+v", h[0])
	}
	if h[1].Text() != "Yes, we have vegetarian options." {
		t.Fatalf("history[1] = %+v", h[1])
	}
}

func TestSessionBargeInDuringToolFollowUp(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{
		{Final: llm.Final{ToolCall: &convo.ToolCall{
			Name: "place_order",
			Args: map[string]any{"customer_name": "Dana"},
		}}},
		{Steps: []mock.Step{{Text: "Your order is in! "}, {Gate: gate, Text: "Ready in twenty minutes."}}},
		{Steps: []mock.Step{{Text: "It comes to eighteen dollars."}}},
	}}
	sink := newRecordingSink()
	tools := &stubTools{payload: map[string]any{"success": true, "order_id": "ord-1"}}
	s := newTestSession(t, gen, sink, tools)

	handle(t, s, responseRequired(t, 5, "One bulgogi to go, please."))
	sink.waitFrame(t, func(f voicewire.OutboundFrame) bool {
		return f.ResponseID == 5 && f.Content == "Your order is in! "
	})

	handle(t, s, bargeIn(t))
	handle(t, s, responseRequired(t, 6, "How much will that be?"))
	sink.waitFinal(t, 6)
	s.Close()

	// The tool ran and its side effect stands; only the conversation record
	// of the turn is rolled back.
	if calls := tools.callNames(); len(calls) != 1 || calls[0] != "place_order" {
		t.Fatalf("tool calls = %v", calls)
	}
	for _, f := range sink.forID(5) {
		if f.ContentComplete {
			t.Fatalf("cancelled turn still produced a final frame: %+v", f)
		}
	}

	h := s.historySnapshot()
	if len(h) != 2 {
		t.Fatalf("history has %d turns, want only the follow-up turn: %+v", len(h), h)
	}
	if h[0].Text() != "How much will that be?" {
		t.Fatalf("history[0] = %+v", h[0])
	}
}

func TestSessionStreamTimeoutIsSilent(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{
		{Hang: true},
		{Steps: []mock.Step{{Text: "We close at ten tonight."}}},
	}}
	sink := newRecordingSink()
	s := New(Config{
		TenantID:      "tn-demo",
		CallID:        "call-demo",
		Generator:     gen,
		Sink:          sink,
		StreamTimeout: 40 * time.Millisecond,
	})
	t.Cleanup(s.Close)

	handle(t, s, responseRequired(t, 7, "What time do you close?"))
	waitFor(t, "the hung turn to release", func() bool {
		return gen.CallCount() == 1 && !s.isGenerating()
	})

	if frames := sink.forID(7); len(frames) != 0 {
		t.Fatalf("timed-out turn emitted frames: %+v", frames)
	}
	if h := s.historySnapshot(); len(h) != 0 {
		t.Fatalf("timed-out turn left %d history turns, want rollback to zero", len(h))
	}

	// The session stays usable.
	handle(t, s, responseRequired(t, 8, "Hello? What time do you close?"))
	sink.waitFinal(t, 8)
	s.Close()

	h := s.historySnapshot()
	if len(h) != 2 || h[1].Text() != "We close at ten tonight." {
		t.Fatalf("follow-up turn history = %+v", h)
	}
}

func TestSessionProviderErrorApologises(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{
		{
			Steps: []mock.Step{{Text: "Let me check"}},
			Err:   fmt.Errorf("%w: stream reset", llm.ErrProvider),
		},
		{Steps: []mock.Step{{Text: "We're open until ten."}}},
	}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 9, "What hours are you open?"))
	final := sink.waitFinal(t, 9)
	if final.Content != apologyMessage {
		t.Fatalf("final content = %q, want the apology", final.Content)
	}
	if h := s.historySnapshot(); len(h) != 0 {
		t.Fatalf("failed turn left %d history turns, want rollback", len(h))
	}

	handle(t, s, responseRequired(t, 10, "Are you still there?"))
	sink.waitFinal(t, 10)
	s.Close()

	if h := s.historySnapshot(); len(h) != 2 {
		t.Fatalf("recovery turn history = %+v", h)
	}
}

func TestSessionProviderErrorStaysSilentWhenSinkClosed(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{
		StartErr: fmt.Errorf("%w: connect refused", llm.ErrProvider),
	}}}
	sink := newRecordingSink()
	sink.setOpen(false)
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 11, "Anyone there?"))
	waitFor(t, "the failed turn to release", func() bool {
		return gen.CallCount() == 1 && !s.isGenerating()
	})

	if frames := sink.snapshot(); len(frames) != 0 {
		t.Fatalf("apology written to a closed transport: %+v", frames)
	}
}

// ---------------------------------------------------------------------------
// Triggers and edges
// ---------------------------------------------------------------------------

func TestSessionEmptyTranscriptNudges(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 1, ""))
	final := sink.waitFinal(t, 1)
	s.Close()

	if final.Content != nudgeMessage {
		t.Fatalf("final content = %q, want the nudge", final.Content)
	}
	if gen.CallCount() != 0 {
		t.Fatal("nudge turn must not call the model")
	}
	if h := s.historySnapshot(); len(h) != 0 {
		t.Fatalf("nudge turn committed history: %+v", h)
	}
}

func TestSessionUpdateOnlyWhileIdleIsNoOp(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{Steps: []mock.Step{{Text: "Hi there."}}}}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 1, "Hello?"))
	sink.waitFinal(t, 1)
	waitFor(t, "the turn to release", func() bool { return !s.isGenerating() })

	// Nothing is generating now; a user-turn transcript push must not touch
	// the turn's token.
	s.mu.Lock()
	tok := s.current
	s.mu.Unlock()
	handle(t, s, bargeIn(t))

	if tok.Cancelled() {
		t.Fatal("idle transcript push cancelled a finished turn's token")
	}
	if q := s.queue.Len(); q != 0 {
		t.Fatalf("idle transcript push enqueued %d tasks", q)
	}
}

func TestSessionResponseRequiredDoesNotCancelRunningTurn(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{
		{Steps: []mock.Step{{Text: "First answer, part one. "}, {Gate: gate, Text: "Part two."}}},
		{Steps: []mock.Step{{Text: "Second answer."}}},
	}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	handle(t, s, responseRequired(t, 1, "First question?"))
	sink.waitFrame(t, func(f voicewire.OutboundFrame) bool {
		return f.ResponseID == 1 && f.Content == "First answer, part one. "
	})

	s.mu.Lock()
	first := s.current
	s.mu.Unlock()

	handle(t, s, responseRequired(t, 2, "Second question?"))
	if first.Cancelled() {
		t.Fatal("a response request must not cancel the running turn")
	}

	close(gate)
	sink.waitFinal(t, 1)
	sink.waitFinal(t, 2)
	s.Close()

	// Strict serialisation: every frame of turn 1 precedes every frame of
	// turn 2.
	frames := sink.snapshot()
	lastOfFirst, firstOfSecond := -1, len(frames)
	for i, f := range frames {
		if f.ResponseID == 1 {
			lastOfFirst = i
		}
		if f.ResponseID == 2 && i < firstOfSecond {
			firstOfSecond = i
		}
	}
	if lastOfFirst > firstOfSecond {
		t.Fatalf("interleaved turns: %+v", frames)
	}

	h := s.historySnapshot()
	if len(h) != 4 {
		t.Fatalf("history has %d turns, want both turns committed", len(h))
	}
}

func TestSessionGreetingSpeaksFirst(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{{
		Steps: []mock.Step{{Text: "Welcome to Han Bap! How can I help?"}},
	}}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	s.Start()
	final := sink.waitFinal(t, voicewire.GreetingResponseID)
	s.Close()

	if !final.ContentComplete {
		t.Fatalf("greeting final = %+v", final)
	}
	frames := sink.forID(voicewire.GreetingResponseID)
	if len(frames) != 2 || frames[0].Content != "Welcome to Han Bap! How can I help?" {
		t.Fatalf("greeting frames = %+v", frames)
	}
	if h := s.historySnapshot(); len(h) != 0 {
		t.Fatalf("greeting committed %d history turns, want none", len(h))
	}
	if len(gen.Calls) != 1 || len(gen.Calls[0].History) != 1 {
		t.Fatal("greeting must send a single hidden prompt turn")
	}
}

func TestSessionGreetingSupersededBeforeItRuns(t *testing.T) {
	t.Parallel()

	blocker := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{{Steps: []mock.Step{{Text: "Hello, caller."}}}}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	// Hold the worker so the greeting is still queued when the first real
	// response request lands.
	s.queue.Enqueue(func() { <-blocker })
	s.Start()
	handle(t, s, responseRequired(t, 1, "Hi, I'd like to order."))
	close(blocker)

	sink.waitFinal(t, 1)
	s.Close()

	if frames := sink.forID(voicewire.GreetingResponseID); len(frames) != 0 {
		t.Fatalf("superseded greeting still emitted frames: %+v", frames)
	}
}

func TestSessionGreetingSupersededMidStream(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	gen := &mock.Generator{Scripts: []mock.Script{
		{Steps: []mock.Step{{Text: "Welcome to "}, {Gate: gate, Text: "Han Bap!"}}},
		{Steps: []mock.Step{{Text: "Sure, one bulgogi."}}},
	}}
	sink := newRecordingSink()
	s := newTestSession(t, gen, sink, nil)

	s.Start()
	sink.waitFrame(t, func(f voicewire.OutboundFrame) bool {
		return f.ResponseID == voicewire.GreetingResponseID && f.Content == "Welcome to "
	})

	handle(t, s, responseRequired(t, 1, "I'd like a bulgogi."))
	sink.waitFinal(t, 1)
	s.Close()

	for _, f := range sink.forID(voicewire.GreetingResponseID) {
		if f.ContentComplete {
			t.Fatalf("superseded greeting still completed: %+v", f)
		}
	}
	h := s.historySnapshot()
	if len(h) != 2 {
		t.Fatalf("history = %+v, want only the ordered turn", h)
	}
}

func TestSessionMalformedFrameIsAnError(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Generator{}, newRecordingSink(), nil)
	if err := s.HandleFrame([]byte("not json")); err == nil {
		t.Fatal("HandleFrame accepted a malformed frame")
	}
}

func TestSessionIgnoresKeepaliveAndMetadataFrames(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{}
	s := newTestSession(t, gen, newRecordingSink(), nil)

	handle(t, s, inbound(t, voicewire.InboundFrame{InteractionType: voicewire.InteractionPingPong}))
	handle(t, s, inbound(t, voicewire.InboundFrame{InteractionType: voicewire.InteractionCallDetails}))
	handle(t, s, inbound(t, voicewire.InboundFrame{InteractionType: "update_only_v2"}))

	if gen.CallCount() != 0 || s.queue.Len() != 0 {
		t.Fatal("ignorable frames triggered work")
	}
}

func TestSessionReleasesGeneratingWhenToolPanics(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Scripts: []mock.Script{
		{Final: llm.Final{ToolCall: &convo.ToolCall{Name: "place_order", Args: map[string]any{}}}},
		{Steps: []mock.Step{{Text: "Still here. What can I get you?"}}},
	}}
	sink := newRecordingSink()
	tools := &stubTools{panicOn: "place_order", payload: map[string]any{}}
	s := newTestSession(t, gen, sink, tools)

	handle(t, s, responseRequired(t, 1, "One bulgogi."))
	waitFor(t, "the panicked turn to release", func() bool {
		return len(tools.callNames()) == 1 && !s.isGenerating()
	})

	// The worker survived and the next turn proceeds normally.
	handle(t, s, responseRequired(t, 2, "Hello? One bulgogi please."))
	sink.waitFinal(t, 2)
	s.Close()
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Generator{}, newRecordingSink(), nil)
	s.Start()
	s.Close()
	s.Close()

	if s.queue.Enqueue(func() {}) {
		t.Fatal("queue accepted work after Close")
	}
}

func TestSessionInterruptionErrorsShareABase(t *testing.T) {
	t.Parallel()

	if !errors.Is(ErrCancelled, ErrInterrupted) || !errors.Is(ErrTimedOut, ErrInterrupted) {
		t.Fatal("interruption sentinels must unwrap to ErrInterrupted")
	}
	if errors.Is(llm.ErrProvider, ErrInterrupted) {
		t.Fatal("provider errors must stay distinct from interruptions")
	}
}
