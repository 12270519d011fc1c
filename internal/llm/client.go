package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/mealtone-ai/mealtone/internal/convo"
)

const defaultModel = "gemini-2.0-flash"

// Config holds the process-wide model settings.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name. Empty selects the default.
	Model string

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float32

	// MaxOutputTokens caps the reply length. Zero means no cap.
	MaxOutputTokens int32
}

// Client is the process-wide provider binding. It owns one genai client and
// the static tool schema; per-session generators are derived from it with
// Generator.
type Client struct {
	genai *genai.Client
	model string
	cfg   Config
	tools []*genai.Tool
}

// New creates the provider client and converts the tool definitions into the
// provider's declaration format.
func New(ctx context.Context, cfg Config, defs []ToolDefinition) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}

	return &Client{
		genai: gc,
		model: cfg.Model,
		cfg:   cfg,
		tools: toGenaiTools(defs),
	}, nil
}

// Generator binds the client to a session's system prompt. The returned
// generator is safe for use by that session's serialized turn tasks.
func (c *Client) Generator(systemPrompt string) Generator {
	gcfg := &genai.GenerateContentConfig{
		Tools: c.tools,
	}
	if systemPrompt != "" {
		gcfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if c.cfg.Temperature > 0 {
		gcfg.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	if c.cfg.MaxOutputTokens > 0 {
		gcfg.MaxOutputTokens = c.cfg.MaxOutputTokens
	}
	return &boundGenerator{client: c.genai, model: c.model, config: gcfg}
}

type boundGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

var _ Generator = (*boundGenerator)(nil)

// Stream issues one streaming generation call over the full history. The
// request runs in a background goroutine; the returned handle's chunk channel
// is closed when the provider finishes or fails.
func (g *boundGenerator) Stream(ctx context.Context, history convo.History) (Stream, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty history", ErrProvider)
	}
	contents := toContents(history)

	st := newLiveStream()
	go g.run(ctx, contents, st)
	return st, nil
}

func (g *boundGenerator) run(ctx context.Context, contents []*genai.Content, st *liveStream) {
	var (
		text strings.Builder
		call *convo.ToolCall
		use  Usage
	)

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, g.config) {
		if err != nil {
			st.fail(Final{Text: text.String(), ToolCall: call, Usage: use},
				fmt.Errorf("%w: stream: %w", ErrProvider, err))
			return
		}

		chunkText, chunkCall := extractParts(resp)
		if chunkCall != nil && call == nil {
			call = chunkCall
		}
		if um := resp.UsageMetadata; um != nil {
			use = Usage{
				PromptTokens:     int(um.PromptTokenCount),
				CompletionTokens: int(um.CandidatesTokenCount),
				TotalTokens:      int(um.TotalTokenCount),
			}
		}

		if chunkText == "" {
			continue
		}
		text.WriteString(chunkText)
		select {
		case st.chunks <- Chunk{Text: chunkText}:
		case <-ctx.Done():
			st.fail(Final{Text: text.String(), ToolCall: call, Usage: use},
				fmt.Errorf("%w: stream abandoned: %w", ErrProvider, ctx.Err()))
			return
		}
	}

	st.finish(Final{Text: text.String(), ToolCall: call, Usage: use})
}

// extractParts pulls the concatenated text and the first function call from
// one streamed response. Thinking parts are skipped.
func extractParts(resp *genai.GenerateContentResponse) (string, *convo.ToolCall) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var (
		text strings.Builder
		call *convo.ToolCall
	)
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" && !p.Thought {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil && call == nil {
			call = &convo.ToolCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}
		}
	}
	return text.String(), call
}

// toContents converts the history into the provider's content format.
func toContents(history convo.History) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			switch {
			case p.ToolCall != nil:
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: p.ToolCall.Name,
						Args: p.ToolCall.Args,
					},
				})
			case p.ToolResult != nil:
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						Name:     p.ToolResult.Name,
						Response: p.ToolResult.Payload,
					},
				})
			default:
				parts = append(parts, &genai.Part{Text: p.Text})
			}
		}
		contents = append(contents, &genai.Content{
			Role:  string(turn.Role),
			Parts: parts,
		})
	}
	return contents
}

// toGenaiTools converts the static tool definitions into provider
// declarations, one tool per definition.
func toGenaiTools(defs []ToolDefinition) []*genai.Tool {
	tools := make([]*genai.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  toSchema(d.Parameters),
			}},
		})
	}
	return tools
}

// toSchema converts a JSON Schema document into the provider's schema type.
func toSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

// liveStream is the Stream implementation fed by the provider goroutine.
type liveStream struct {
	chunks chan Chunk
	done   chan struct{}

	mu    sync.Mutex
	final Final
	err   error
}

var _ Stream = (*liveStream)(nil)

func newLiveStream() *liveStream {
	return &liveStream{
		chunks: make(chan Chunk),
		done:   make(chan struct{}),
	}
}

func (s *liveStream) Chunks() <-chan Chunk { return s.chunks }

func (s *liveStream) Final() (Final, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.err
}

func (s *liveStream) finish(f Final) {
	s.mu.Lock()
	s.final = f
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
}

func (s *liveStream) fail(f Final, err error) {
	s.mu.Lock()
	s.final = f
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
	close(s.done)
}
