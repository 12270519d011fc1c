// Package session implements the per-call state machine that sits between
// the voice transport and the language model.
//
// Each phone call owns one [Session]. The transport read loop feeds inbound
// frames to [Session.HandleFrame]; everything that mutates conversation
// history runs as a task on the session's [TurnQueue], one at a time, in
// arrival order. Barge-in is the only concurrent signal: a transcript push
// with the caller holding the speaking turn trips the active turn's
// [CancelToken], and the running task winds down at its next cancellation
// check.
//
// The cardinal liveness rule is that the generating flag set at the top of a
// turn task is released on every exit path, including panics, so a session
// can always accept the caller's next utterance.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mealtone-ai/mealtone/internal/convo"
	"github.com/mealtone-ai/mealtone/internal/llm"
	"github.com/mealtone-ai/mealtone/internal/observe"
	"github.com/mealtone-ai/mealtone/pkg/voicewire"
)

// Spoken fallbacks. Phrased for TTS, not for logs.
const (
	// nudgeMessage answers a response request whose transcript carries no
	// caller speech yet.
	nudgeMessage = "I'm listening. Go ahead whenever you're ready."

	// apologyMessage is the single spoken line for provider failures.
	apologyMessage = "I'm sorry, could you please say that again?"
)

// defaultGreetingPrompt is the hidden instruction used to open the call when
// no tenant- or deployment-specific prompt is configured.
const defaultGreetingPrompt = "The caller has just connected. Greet them warmly in one short " +
	"sentence, mention the restaurant if you know its name, and ask how you can help."

// Sink delivers outbound frames to the voice transport.
type Sink interface {
	// WriteFrame sends one frame. Implementations must tolerate writes after
	// the transport has gone away by reporting an error (or dropping the
	// frame) rather than blocking.
	WriteFrame(ctx context.Context, frame voicewire.OutboundFrame) error

	// Open reports whether the transport can still accept frames.
	Open() bool
}

// ToolRunner executes a named tool call and always returns a result payload.
// Failures are encoded inside the payload in voice-safe terms; the session
// never branches on a tool error.
type ToolRunner interface {
	Dispatch(ctx context.Context, name string, args map[string]any) map[string]any
}

// Config assembles a session's collaborators.
type Config struct {
	TenantID string
	CallID   string

	// Profile is the tenant snapshot captured at connect time.
	Profile Profile

	// Generator produces model responses. It is already bound to the
	// profile's system prompt.
	Generator llm.Generator

	// Tools executes the model's tool calls.
	Tools ToolRunner

	// Sink receives outbound frames.
	Sink Sink

	// StreamTimeout bounds the wait for a provider's first response. Zero
	// selects the default.
	StreamTimeout time.Duration

	// GreetingPrompt overrides the hidden instruction that produces the
	// opening utterance.
	GreetingPrompt string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Session is the per-call engine. Create one with [New], feed it with
// [Session.HandleFrame], and release it with [Session.Close].
type Session struct {
	tenantID string
	callID   string
	profile  Profile
	gen      llm.Generator
	tools    ToolRunner
	sink     Sink
	queue    *TurnQueue
	metrics  *observe.Metrics
	log      *slog.Logger

	streamTimeout  time.Duration
	greetingPrompt string

	// ctx spans the session's lifetime, independent of any single HTTP
	// request; Close cancels it after the queue drains.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu          sync.Mutex
	history     convo.History
	current     *CancelToken
	greetingTok *CancelToken
	generating  bool
}

// New builds a session. The caller must invoke [Session.Start] to schedule
// the greeting and [Session.Close] when the transport disconnects.
func New(cfg Config) *Session {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = defaultStreamTimeout
	}
	if cfg.GreetingPrompt == "" {
		cfg.GreetingPrompt = defaultGreetingPrompt
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		tenantID:       cfg.TenantID,
		callID:         cfg.CallID,
		profile:        cfg.Profile,
		gen:            cfg.Generator,
		tools:          cfg.Tools,
		sink:           cfg.Sink,
		queue:          NewTurnQueue(),
		metrics:        cfg.Metrics,
		log:            cfg.Logger.With("tenant_id", cfg.TenantID, "call_id", cfg.CallID),
		streamTimeout:  cfg.StreamTimeout,
		greetingPrompt: cfg.GreetingPrompt,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start schedules the greeting turn. Call it exactly once, after the
// transport handshake succeeds.
func (s *Session) Start() {
	tok := NewCancelToken()
	s.mu.Lock()
	s.current = tok
	s.greetingTok = tok
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(s.ctx, 1)
	s.log.Info("session started")
	s.queue.Enqueue(func() { s.runGreeting(tok) })
}

// Close trips the active turn, drains the queue, and releases the session.
// It is safe to call more than once and safe to call concurrently with
// HandleFrame.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tok := s.current
		s.mu.Unlock()
		if tok != nil {
			tok.Cancel()
		}

		s.queue.Close()
		s.cancel()

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		s.log.Info("session closed")
	})
}

// HandleFrame classifies one inbound transport message. Only malformed JSON
// is an error; the caller should abort the transport on it. Every decoded
// frame is handled or deliberately ignored.
func (s *Session) HandleFrame(data []byte) error {
	frame, err := voicewire.ParseInbound(data)
	if err != nil {
		return err
	}

	switch frame.InteractionType {
	case voicewire.InteractionUpdateOnly:
		s.maybeBargeIn(frame)
	case voicewire.InteractionResponseRequired, voicewire.InteractionReminderRequired:
		s.scheduleTurn(frame)
	default:
		// Keepalives, call metadata, and unknown kinds carry nothing the
		// turn machinery needs.
	}
	return nil
}

// maybeBargeIn trips the active token when the caller starts speaking over
// the agent. A transcript push while nothing is generating is a routine
// update and changes no state. The token is tripped in place: the pending
// queue and the current-token slot are left untouched.
func (s *Session) maybeBargeIn(frame *voicewire.InboundFrame) {
	if frame.TurnTaking != voicewire.TurnTakingUserTurn {
		return
	}

	s.mu.Lock()
	generating, tok := s.generating, s.current
	s.mu.Unlock()
	if !generating || tok == nil {
		return
	}

	tok.Cancel()
	s.metrics.BargeIns.Add(s.ctx, 1)
	s.log.Debug("barge-in: cancelled active turn")
}

// scheduleTurn allocates a fresh token, installs it as current, and enqueues
// the turn task. A response request starts new work; it does not cancel the
// task already running, which either finishes on its own or falls to a
// genuine barge-in. The one exception is the greeting: a response request
// arriving while the greeting is still pending or speaking supersedes it
// outright, because the caller has already moved the conversation past the
// opening line.
func (s *Session) scheduleTurn(frame *voicewire.InboundFrame) {
	tok := NewCancelToken()

	s.mu.Lock()
	prev := s.current
	s.current = tok
	greeting := s.greetingTok != nil && prev == s.greetingTok
	s.mu.Unlock()

	if greeting {
		prev.Cancel()
	}

	transcript := make([]voicewire.Utterance, len(frame.Transcript))
	copy(transcript, frame.Transcript)
	responseID := frame.ResponseID

	s.queue.Enqueue(func() { s.runTurn(tok, responseID, transcript) })
}

// ---------------------------------------------------------------------------
// Turn tasks
// ---------------------------------------------------------------------------

// runGreeting speaks the opening utterance. The hidden prompt and the
// model's reply are never committed to history; the transport's transcript
// echoes whatever was actually spoken, and the first real turn starts from
// that.
func (s *Session) runGreeting(tok *CancelToken) {
	if !s.isCurrent(tok) {
		return
	}
	s.setGenerating(true)
	defer s.setGenerating(false)

	hidden := convo.History{convo.TextTurn(convo.RoleUser, s.greetingPrompt)}
	_, err := s.streamPhase(tok, voicewire.GreetingResponseID, hidden)
	switch {
	case err == nil:
		s.writeFrame(voicewire.FinalResponse(voicewire.GreetingResponseID, ""))
	case errors.Is(err, ErrInterrupted):
		s.log.Debug("greeting interrupted", "err", err)
	default:
		// A failed greeting stays silent. The transport re-prompts on
		// caller speech or silence, and that turn gets the normal error
		// handling.
		s.log.Warn("greeting failed", "err", err)
	}
}

// runTurn executes one response request end to end: commit the caller's
// utterance, stream the model's reply, run at most one tool exchange, and
// close the turn with a final frame. On interruption or provider failure
// the history rolls back to its pre-turn length, so a retried request
// replays against clean state.
func (s *Session) runTurn(tok *CancelToken, responseID int, transcript []voicewire.Utterance) {
	if !s.isCurrent(tok) {
		return
	}
	s.setGenerating(true)
	defer s.setGenerating(false)

	start := time.Now()
	status := "completed"
	defer func() {
		s.metrics.RecordTurn(s.ctx, status, time.Since(start).Seconds())
	}()

	userText := voicewire.LastUserUtterance(transcript)
	if userText == "" {
		status = "nudged"
		s.writeFrame(voicewire.FinalResponse(responseID, nudgeMessage))
		return
	}

	checkpoint := len(s.history)
	s.history = append(s.history, convo.TextTurn(convo.RoleUser, userText))

	final, err := s.streamPhase(tok, responseID, s.history)
	if err != nil {
		status = s.failTurn(tok, responseID, checkpoint, err)
		return
	}

	call := final.ToolCall
	if call == nil {
		s.history = append(s.history, convo.TextTurn(convo.RoleModel, final.Text))
		s.writeFrame(voicewire.FinalResponse(responseID, ""))
		return
	}

	// Tool branch: record the request, execute, record the observation, and
	// let the model voice the outcome in a second pass.
	s.history = append(s.history, convo.ToolCallTurn(call.Name, call.Args))
	s.log.Info("tool call", "tool", call.Name, "response_id", responseID)

	payload := s.tools.Dispatch(s.ctx, call.Name, call.Args)
	if tok.Cancelled() {
		status = "cancelled"
		s.rollback(checkpoint)
		return
	}
	s.history = append(s.history, convo.ToolResultTurn(call.Name, payload))

	followUp, err := s.streamPhase(tok, responseID, s.history)
	if err != nil {
		status = s.failTurn(tok, responseID, checkpoint, err)
		return
	}
	if followUp.ToolCall != nil {
		// One exchange per turn. A chained request is dropped; the model
		// can raise it again next turn.
		s.log.Warn("chained tool call ignored", "tool", followUp.ToolCall.Name)
	}
	s.history = append(s.history, convo.TextTurn(convo.RoleModel, followUp.Text))
	s.writeFrame(voicewire.FinalResponse(responseID, ""))
}

// streamPhase opens one generation against the given history and forwards
// its text chunks as partial frames. It returns the stream's terminal result
// or an error classified by the interruption sentinels.
func (s *Session) streamPhase(tok *CancelToken, responseID int, history convo.History) (llm.Final, error) {
	opened := time.Now()
	st, err := openStream(s.ctx, s.gen, history, tok, s.streamTimeout)
	if err != nil {
		return llm.Final{}, err
	}
	s.metrics.StreamTTFB.Record(s.ctx, time.Since(opened).Seconds())

	for chunk := range st.Chunks() {
		if tok.Cancelled() {
			break
		}
		if chunk.Text == "" {
			continue
		}
		s.writeFrame(voicewire.Response(responseID, chunk.Text))
	}
	if tok.Cancelled() {
		return llm.Final{}, ErrCancelled
	}

	final, err := st.Final()
	if err != nil {
		return llm.Final{}, err
	}
	if tok.Cancelled() {
		return llm.Final{}, ErrCancelled
	}
	return final, nil
}

// failTurn rolls the history back and maps the error to a turn status.
// Interruptions end silently. Provider failures apologise out loud, but only
// when the apology could still be heard: the token must be live and the
// transport open.
func (s *Session) failTurn(tok *CancelToken, responseID, checkpoint int, err error) (status string) {
	s.rollback(checkpoint)

	switch {
	case errors.Is(err, ErrTimedOut):
		s.log.Warn("turn timed out waiting for model", "response_id", responseID)
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		s.log.Debug("turn cancelled", "response_id", responseID)
		return "cancelled"
	default:
		s.log.Error("model generation failed", "response_id", responseID, "err", err)
		if !tok.Cancelled() && s.sink.Open() {
			s.writeFrame(voicewire.FinalResponse(responseID, apologyMessage))
		}
		return "failed"
	}
}

// rollback truncates history to its pre-turn length. Turn tasks are the only
// history writers and run serially, so a plain reslice is atomic from every
// other goroutine's point of view.
func (s *Session) rollback(checkpoint int) {
	s.history = s.history[:checkpoint]
}

// writeFrame pushes one frame to the transport. Write failures are logged
// and swallowed; the close handler owns transport teardown.
func (s *Session) writeFrame(frame voicewire.OutboundFrame) {
	if err := s.sink.WriteFrame(s.ctx, frame); err != nil {
		s.log.Warn("transport write failed", "response_id", frame.ResponseID, "err", err)
		return
	}
	s.metrics.FramesOut.Add(s.ctx, 1)
}

func (s *Session) isCurrent(tok *CancelToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == tok
}

func (s *Session) setGenerating(v bool) {
	s.mu.Lock()
	s.generating = v
	s.mu.Unlock()
}
