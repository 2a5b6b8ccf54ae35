package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jllopis/carmcp/pkg/errors"
	ollama "github.com/ollama/ollama/api"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestCheckCredentials(t *testing.T) {
	if err := CheckCredentials(&MockProvider{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err := CheckCredentials(&MockProvider{MissingCredential: true})
	if !errors.HasCode(err, errors.CodeMissingCredential) {
		t.Fatalf("expected MISSING_CREDENTIAL, got %v", err)
	}
	if !errors.HasCode(CheckCredentials(nil), errors.CodeMissingCredential) {
		t.Fatalf("nil provider must fail the credential check")
	}
	if err := CheckCredentials(&FailingMockProvider{}); err != nil {
		t.Fatalf("providers without a checker pass, got %v", err)
	}
}

func TestScriptedProvider(t *testing.T) {
	p := NewScriptedProvider(
		CallTools(NewToolCall("", "weather", map[string]any{"route_region": "downtown"})),
		Answer("done"),
	)
	ctx := context.Background()

	first, err := p.Chat(ctx, ChatRequest{Messages: []Message{{Role: RoleUser, Content: "go"}}})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if len(first.ToolCalls) != 1 || first.ToolCalls[0].ID != "call_weather" {
		t.Fatalf("unexpected tool calls: %+v", first.ToolCalls)
	}
	if first.ToolCalls[0].Function.Arguments != `{"route_region":"downtown"}` {
		t.Fatalf("unexpected arguments: %s", first.ToolCalls[0].Function.Arguments)
	}

	second, _ := p.Chat(ctx, ChatRequest{})
	if second.Content != "done" {
		t.Fatalf("unexpected answer: %q", second.Content)
	}
	if _, err := p.Chat(ctx, ChatRequest{}); err == nil {
		t.Fatalf("expected exhausted script error")
	}
	if p.CallCount() != 3 || len(p.Requests()) != 3 {
		t.Fatalf("expected 3 recorded requests, got %d", p.CallCount())
	}
}

func TestScriptedProviderRepeat(t *testing.T) {
	p := NewScriptedProvider(CallTools(NewToolCall("c1", "weather", nil)))
	p.Repeat = true
	for i := 0; i < 3; i++ {
		resp, err := p.Chat(context.Background(), ChatRequest{})
		if err != nil || len(resp.ToolCalls) != 1 {
			t.Fatalf("turn %d: %v %+v", i, err, resp)
		}
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollama.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "llama3.1" || req.Stream == nil || *req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "knowledge" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}
		if len(req.Messages) != 2 || len(req.Messages[0].ToolCalls) != 1 {
			t.Fatalf("unexpected messages: %+v", req.Messages)
		}
		args, _ := json.Marshal(req.Messages[0].ToolCalls[0].Function.Arguments)
		if string(args) != `{"obd_code":"P0301"}` {
			t.Errorf("tool call arguments not forwarded as object: %s", args)
		}
		if req.Messages[1].ToolName != "diagnostics" {
			t.Errorf("tool result name not forwarded: %+v", req.Messages[1])
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"knowledge","arguments":{"topic":"P0301"}}}]},"done":true,"prompt_eval_count":5,"eval_count":7}`))
	}))
	defer srv.Close()

	p, err := NewOllama(srv.URL + "/")
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "llama3.1",
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{NewToolCall("c1", "diagnostics", map[string]any{"obd_code": "P0301"})}},
			{Role: RoleTool, ToolCallID: "c1", Name: "diagnostics", Content: `{"severity":"medium"}`},
		},
		Tools: []Tool{{
			Type: ToolTypeFunction,
			Function: FunctionDef{
				Name:       "knowledge",
				Parameters: map[string]any{"type": "object", "properties": map[string]any{"topic": map[string]any{"type": "string"}}},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "knowledge" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].ID != "call_0_knowledge" {
		t.Errorf("unexpected tool call id: %s", resp.ToolCalls[0].ID)
	}
	if resp.ToolCalls[0].Function.Arguments != `{"topic":"P0301"}` {
		t.Fatalf("unexpected arguments: %s", resp.ToolCalls[0].Function.Arguments)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := NewOllama(srv.URL)
	if err != nil {
		t.Fatalf("NewOllama failed: %v", err)
	}
	if _, err := p.Chat(context.Background(), ChatRequest{Model: "x"}); err == nil {
		t.Fatalf("expected error on 404")
	}
}
