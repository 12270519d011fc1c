// Package voicewire defines the JSON frame protocol spoken between the voice
// transport and a call session.
//
// The voice transport upgrades an HTTP request to a WebSocket per phone call,
// pushes transcript state as inbound frames, and plays back the text content
// of outbound frames through its own TTS. These types are the complete wire
// vocabulary; all framing I/O lives with the session transport.
package voicewire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"
)

// InteractionKind discriminates inbound frames.
type InteractionKind string

const (
	// InteractionUpdateOnly is a transcript-state push. Usually a no-op;
	// combined with TurnTakingUserTurn it signals a barge-in.
	InteractionUpdateOnly InteractionKind = "update_only"

	// InteractionResponseRequired asks the session to produce a spoken reply
	// for the carried response_id and transcript.
	InteractionResponseRequired InteractionKind = "response_required"

	// InteractionReminderRequired is sent when the caller has been silent;
	// treated exactly like a response request.
	InteractionReminderRequired InteractionKind = "reminder_required"

	// InteractionPingPong is the transport's application-level keepalive.
	InteractionPingPong InteractionKind = "ping_pong"

	// InteractionCallDetails carries call metadata at session start.
	InteractionCallDetails InteractionKind = "call_details"
)

// TurnTakingUserTurn is the only turntaking value that indicates the caller
// has started a new utterance while the agent is speaking.
const TurnTakingUserTurn = "user_turn"

// GreetingResponseID is the reserved response id for the unsolicited opening
// utterance emitted right after connect.
const GreetingResponseID = 0

// Close codes used when rejecting or aborting a session.
const (
	// CloseInvalidTenant rejects a connect URL with a missing, unknown, or
	// inactive tenant.
	CloseInvalidTenant = websocket.StatusPolicyViolation

	// CloseBadFrame aborts a session that sent a non-JSON frame.
	CloseBadFrame = websocket.StatusUnsupportedData
)

// Utterance is one transcript entry as reported by the transport's ASR.
type Utterance struct {
	// Role is "user" for caller speech and "agent" for the system's own
	// previously played utterances.
	Role string `json:"role"`

	// Content is the transcribed text.
	Content string `json:"content"`
}

// InboundFrame is a frame received from the voice transport. Unknown fields
// are ignored; unknown interaction kinds are dropped silently by the session.
type InboundFrame struct {
	// InteractionType discriminates the frame.
	InteractionType InteractionKind `json:"interaction_type"`

	// ResponseID is the transport-chosen identifier echoed back on every
	// outbound frame of the matching turn. Only meaningful on response
	// requests.
	ResponseID int `json:"response_id"`

	// Transcript is the full conversation transcript so far, oldest first.
	Transcript []Utterance `json:"transcript"`

	// TurnTaking reports who holds the speaking turn. Only the exact value
	// TurnTakingUserTurn is significant.
	TurnTaking string `json:"turntaking"`
}

// OutboundFrame is a frame sent to the voice transport. Content carries an
// incremental text fragment to voice; the final frame of a turn has
// ContentComplete set and usually empty Content.
type OutboundFrame struct {
	// ResponseType is always "response".
	ResponseType string `json:"response_type"`

	// ResponseID echoes the triggering request, or GreetingResponseID for
	// the opening utterance.
	ResponseID int `json:"response_id"`

	// Content is the text fragment to synthesize.
	Content string `json:"content"`

	// ContentComplete marks the last frame of a turn.
	ContentComplete bool `json:"content_complete"`

	// EndCall asks the transport to hang up after voicing Content.
	// Accepted on every frame; currently always false.
	EndCall bool `json:"end_call"`
}

// Response builds a partial outbound frame for the given turn.
func Response(responseID int, content string) OutboundFrame {
	return OutboundFrame{
		ResponseType: "response",
		ResponseID:   responseID,
		Content:      content,
	}
}

// FinalResponse builds the turn-terminating frame. Content may be empty when
// the preceding partial frames already carried the full utterance.
func FinalResponse(responseID int, content string) OutboundFrame {
	return OutboundFrame{
		ResponseType:    "response",
		ResponseID:      responseID,
		Content:         content,
		ContentComplete: true,
	}
}

// ParseInbound decodes a raw transport message into an InboundFrame.
func ParseInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("voicewire: parse frame: %w", err)
	}
	return &f, nil
}

// LastUserUtterance returns the trimmed content of the most recent user-role
// transcript entry, or "" when the transcript holds none.
func LastUserUtterance(transcript []Utterance) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "user" {
			return strings.TrimSpace(transcript[i].Content)
		}
	}
	return ""
}
