package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// DefaultOllamaURL is the local Ollama endpoint.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements Provider against a local Ollama server. It needs
// no credential.
type OllamaProvider struct {
	client *ollama.Client
}

// NewOllama creates a new OllamaProvider. An empty baseURL uses
// DefaultOllamaURL.
func NewOllama(baseURL string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	httpClient := &http.Client{Timeout: 120 * time.Second}
	return &OllamaProvider{client: ollama.NewClient(u, httpClient)}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Chat sends a non-streaming chat request to Ollama and maps the response to
// ChatResponse.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs, err := toOllamaMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := toOllamaTools(req.Tools)
	if err != nil {
		return nil, err
	}

	stream := false
	oReq := &ollama.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
		Tools:    tools,
	}
	if req.Temperature != 0 {
		oReq.Options = map[string]any{"temperature": req.Temperature}
	}

	var last ollama.ChatResponse
	var content strings.Builder
	var calls []ollama.ToolCall
	err = p.client.Chat(ctx, oReq, func(r ollama.ChatResponse) error {
		content.WriteString(r.Message.Content)
		calls = append(calls, r.Message.ToolCalls...)
		last = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama api call failed: %w", err)
	}

	out := &ChatResponse{
		Content: content.String(),
		Usage: Usage{
			PromptTokens:     last.PromptEvalCount,
			CompletionTokens: last.EvalCount,
			TotalTokens:      last.PromptEvalCount + last.EvalCount,
		},
	}
	for i, tc := range calls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ollama tool arguments: %w", err)
		}
		argText := string(args)
		if argText == "null" {
			argText = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:       fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Type:     ToolTypeFunction,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: argText},
		})
	}
	return out, nil
}

// Ollama exchanges tool arguments as JSON objects rather than strings.
func toOllamaMessages(msgs []Message) ([]ollama.Message, error) {
	out := make([]ollama.Message, 0, len(msgs))
	for _, m := range msgs {
		om := ollama.Message{Role: string(m.Role), Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.Name
		}
		for _, tc := range m.ToolCalls {
			var call ollama.ToolCall
			call.Function.Name = tc.Function.Name
			args := tc.Function.Arguments
			if !json.Valid([]byte(args)) {
				args = "{}"
			}
			if err := json.Unmarshal([]byte(args), &call.Function.Arguments); err != nil {
				return nil, fmt.Errorf("tool call %s arguments are not an object: %w", tc.ID, err)
			}
			om.ToolCalls = append(om.ToolCalls, call)
		}
		out = append(out, om)
	}
	return out, nil
}

// Both sides use the function-tool JSON shape, so the schema is carried over
// through its encoding.
func toOllamaTools(tools []Tool) (ollama.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tools: %w", err)
	}
	var out ollama.Tools
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to convert tools for ollama: %w", err)
	}
	return out, nil
}
