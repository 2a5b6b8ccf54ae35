package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ScriptedProvider returns a pre-defined sequence of responses and records
// every request it receives. Useful for driving multi-turn tool loops.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	requests  []ChatRequest
	// Repeat keeps returning the last response once the script is exhausted.
	Repeat bool
	Err    error
}

// NewScriptedProvider creates a provider that replays responses in order.
func NewScriptedProvider(responses ...ChatResponse) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// Chat pops the next scripted response or returns the configured error.
func (s *ScriptedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("scripted provider: no more responses available")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 || !s.Repeat {
		s.responses = s.responses[1:]
	}
	return &resp, nil
}

func (s *ScriptedProvider) Name() string { return "scripted" }

// CallCount returns how many times Chat has been called.
func (s *ScriptedProvider) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded requests.
func (s *ScriptedProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// AddResponse appends a response to the queue.
func (s *ScriptedProvider) AddResponse(resp ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
}

// Answer builds a final response without tool calls.
func Answer(content string) ChatResponse {
	return ChatResponse{Content: content}
}

// CallTools builds a response requesting the given tool calls.
func CallTools(calls ...ToolCall) ChatResponse {
	return ChatResponse{ToolCalls: calls}
}

// NewToolCall builds a function tool call with JSON-encoded arguments.
// id defaults to "call_<name>" when empty.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	if id == "" {
		id = fmt.Sprintf("call_%s", name)
	}
	raw := "{}"
	if args != nil {
		if b, err := json.Marshal(args); err == nil {
			raw = string(b)
		}
	}
	return ToolCall{
		ID:       id,
		Type:     ToolTypeFunction,
		Function: FunctionCall{Name: name, Arguments: raw},
	}
}
