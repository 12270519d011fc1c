package llm

import (
	"testing"

	"google.golang.org/genai"

	"github.com/mealtone-ai/mealtone/internal/convo"
)

func TestToContents_RolesAndParts(t *testing.T) {
	t.Parallel()

	history := convo.History{
		convo.TextTurn(convo.RoleUser, "Show me the menu."),
		convo.ToolCallTurn("get_menu", map[string]any{}),
		convo.ToolResultTurn("get_menu", map[string]any{"menu": "Bulgogi $18"}),
		convo.TextTurn(convo.RoleModel, "We have bulgogi."),
	}

	contents := toContents(history)
	if len(contents) != 4 {
		t.Fatalf("contents length = %d, want 4", len(contents))
	}

	wantRoles := []string{"user", "model", "user", "model"}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("content %d role = %q, want %q", i, c.Role, wantRoles[i])
		}
	}

	if contents[0].Parts[0].Text != "Show me the menu." {
		t.Errorf("user text = %q", contents[0].Parts[0].Text)
	}

	fc := contents[1].Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_menu" {
		t.Fatalf("tool call part = %+v, want get_menu function call", contents[1].Parts[0])
	}

	fr := contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_menu" {
		t.Fatalf("tool result part = %+v, want get_menu function response", contents[2].Parts[0])
	}
	if fr.Response["menu"] != "Bulgogi $18" {
		t.Errorf("function response payload = %v", fr.Response)
	}
}

func TestExtractParts(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: "model",
				Parts: []*genai.Part{
					{Text: "We're open "},
					{Text: "11am to 10pm."},
				},
			},
		}},
	}

	text, call := extractParts(resp)
	if text != "We're open 11am to 10pm." {
		t.Errorf("text = %q", text)
	}
	if call != nil {
		t.Errorf("call = %+v, want nil", call)
	}
}

func TestExtractParts_FunctionCall(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: "model",
				Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{
						Name: "place_order",
						Args: map[string]any{"total": 18.0},
					},
				}},
			},
		}},
	}

	text, call := extractParts(resp)
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
	if call == nil {
		t.Fatal("call = nil, want place_order")
	}
	if call.Name != "place_order" {
		t.Errorf("call name = %q", call.Name)
	}
	if call.Args["total"] != 18.0 {
		t.Errorf("call args = %v", call.Args)
	}
}

func TestExtractParts_SkipsThoughts(t *testing.T) {
	t.Parallel()

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: "model",
				Parts: []*genai.Part{
					{Text: "pondering the menu", Thought: true},
					{Text: "We have bulgogi."},
				},
			},
		}},
	}

	text, _ := extractParts(resp)
	if text != "We have bulgogi." {
		t.Errorf("text = %q, want thought part skipped", text)
	}
}

func TestExtractParts_EmptyCandidates(t *testing.T) {
	t.Parallel()

	text, call := extractParts(&genai.GenerateContentResponse{})
	if text != "" || call != nil {
		t.Errorf("got (%q, %+v), want empty", text, call)
	}
}

func TestToSchema(t *testing.T) {
	t.Parallel()

	schema := toSchema(map[string]any{
		"type":        "object",
		"description": "order details",
		"properties": map[string]any{
			"items": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"size": map[string]any{
				"type": "string",
				"enum": []any{"small", "large"},
			},
		},
		"required": []any{"items"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("type = %q, want %q", schema.Type, genai.TypeObject)
	}
	if schema.Description != "order details" {
		t.Errorf("description = %q", schema.Description)
	}
	items, ok := schema.Properties["items"]
	if !ok || items.Type != genai.TypeArray {
		t.Fatalf("items property = %+v", items)
	}
	if items.Items == nil || items.Items.Type != genai.TypeString {
		t.Errorf("items element schema = %+v", items.Items)
	}
	size := schema.Properties["size"]
	if len(size.Enum) != 2 || size.Enum[0] != "small" {
		t.Errorf("enum = %v", size.Enum)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "items" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToGenaiTools(t *testing.T) {
	t.Parallel()

	defs := []ToolDefinition{
		{Name: "get_menu", Description: "Returns the menu."},
		{Name: "transfer_to_human", Description: "Escalates the call."},
	}

	tools := toGenaiTools(defs)
	if len(tools) != 2 {
		t.Fatalf("tools length = %d, want 2", len(tools))
	}
	for i, want := range []string{"get_menu", "transfer_to_human"} {
		decls := tools[i].FunctionDeclarations
		if len(decls) != 1 || decls[0].Name != want {
			t.Errorf("tool %d declarations = %+v, want %q", i, decls, want)
		}
	}
}
