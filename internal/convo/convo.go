// Package convo models the conversation history exchanged with the language
// model: an ordered sequence of turns, each holding tagged parts.
//
// History follows the provider's multi-turn convention: roles alternate
// between user and model, except that a model tool-call turn is bridged by a
// user-role turn carrying the tool result. The session state machine is the
// only mutator; it appends at commit points and truncates to a recorded
// checkpoint on rollback.
package convo

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// ToolCall is a request by the model to invoke a named tool.
type ToolCall struct {
	Name string
	Args map[string]any
}

// ToolResult carries a tool's structured payload back into the conversation.
type ToolResult struct {
	Name    string
	Payload map[string]any
}

// Part is a tagged variant: a text part (the default; Text may be empty), a
// tool call, or a tool result. At most one variant is populated.
type Part struct {
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Text: text} }

// ToolCallPart builds a tool-call part.
func ToolCallPart(name string, args map[string]any) Part {
	return Part{ToolCall: &ToolCall{Name: name, Args: args}}
}

// ToolResultPart builds a tool-result part.
func ToolResultPart(name string, payload map[string]any) Part {
	return Part{ToolResult: &ToolResult{Name: name, Payload: payload}}
}

// Turn is one {role, parts} entry in the history.
type Turn struct {
	Role  Role
	Parts []Part
}

// TextTurn builds a single-text-part turn.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{TextPart(text)}}
}

// ToolCallTurn builds the model turn recording a tool invocation.
func ToolCallTurn(name string, args map[string]any) Turn {
	return Turn{Role: RoleModel, Parts: []Part{ToolCallPart(name, args)}}
}

// ToolResultTurn builds the user-role turn carrying a tool result. The user
// role follows the provider's convention for function responses.
func ToolResultTurn(name string, payload map[string]any) Turn {
	return Turn{Role: RoleUser, Parts: []Part{ToolResultPart(name, payload)}}
}

// Text returns the concatenated text parts of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// FirstToolCall returns the turn's first tool-call part, or nil.
func (t Turn) FirstToolCall() *ToolCall {
	for _, p := range t.Parts {
		if p.ToolCall != nil {
			return p.ToolCall
		}
	}
	return nil
}

// History is the ordered conversation. It is extended by append only, except
// for truncation back to a previously recorded length.
type History []Turn

// ErrInvalidHistory is returned by Validate for any structural violation.
var ErrInvalidHistory = errors.New("convo: invalid history")

// Validate checks the structural invariants: the first turn is user-role;
// consecutive same-role turns appear only around a tool-call/tool-result
// bridge; every tool-call part is answered by a matching-name tool result in
// the following turn; no part mixes variants.
func Validate(h History) error {
	if len(h) == 0 {
		return nil
	}
	if h[0].Role != RoleUser {
		return fmt.Errorf("%w: first turn has role %q", ErrInvalidHistory, h[0].Role)
	}

	for i, turn := range h {
		if len(turn.Parts) == 0 {
			return fmt.Errorf("%w: turn %d has no parts", ErrInvalidHistory, i)
		}
		for j, p := range turn.Parts {
			if err := validatePart(p); err != nil {
				return fmt.Errorf("%w: turn %d part %d: %v", ErrInvalidHistory, i, j, err)
			}
		}

		if tc := turn.FirstToolCall(); tc != nil {
			if turn.Role != RoleModel {
				return fmt.Errorf("%w: turn %d: tool call in %q turn", ErrInvalidHistory, i, turn.Role)
			}
			if i+1 >= len(h) {
				return fmt.Errorf("%w: turn %d: tool call %q has no result turn", ErrInvalidHistory, i, tc.Name)
			}
			next := h[i+1]
			if next.Role != RoleUser || len(next.Parts) == 0 || next.Parts[0].ToolResult == nil {
				return fmt.Errorf("%w: turn %d: tool call %q not followed by a tool result", ErrInvalidHistory, i, tc.Name)
			}
			if next.Parts[0].ToolResult.Name != tc.Name {
				return fmt.Errorf("%w: turn %d: tool call %q answered by result %q",
					ErrInvalidHistory, i, tc.Name, next.Parts[0].ToolResult.Name)
			}
		}

		if i == 0 {
			continue
		}
		if h[i-1].Role == turn.Role && !bridgesToolExchange(h[i-1], turn) {
			return fmt.Errorf("%w: turns %d and %d share role %q outside a tool exchange",
				ErrInvalidHistory, i-1, i, turn.Role)
		}
	}
	return nil
}

func validatePart(p Part) error {
	if p.ToolCall != nil && p.ToolResult != nil {
		return errors.New("both tool call and tool result set")
	}
	if (p.ToolCall != nil || p.ToolResult != nil) && p.Text != "" {
		return errors.New("text mixed with a tool variant")
	}
	return nil
}

// bridgesToolExchange reports whether two adjacent same-role turns are the
// legal user-text / user-tool-result adjacency that a tool exchange creates.
func bridgesToolExchange(prev, cur Turn) bool {
	prevHasResult := len(prev.Parts) > 0 && prev.Parts[0].ToolResult != nil
	curHasResult := len(cur.Parts) > 0 && cur.Parts[0].ToolResult != nil
	return prevHasResult || curHasResult
}
