package toolloop

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
	"github.com/jllopis/carmcp/pkg/mcp"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/services"
)

// registryClient serves tools straight from a registry and counts requests.
type registryClient struct {
	mu      sync.Mutex
	reg     *registry.Registry
	lists   int
	calls   []string
	callErr error
}

func newRegistryClient() *registryClient {
	return &registryClient{reg: services.Default()}
}

func (c *registryClient) ListTools(context.Context) ([]registry.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists++
	return c.reg.DescribeAll(), nil
}

func (c *registryClient) CallTool(ctx context.Context, name string, args map[string]any) (registry.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	err := c.callErr
	c.mu.Unlock()
	if err != nil {
		return registry.Result{}, err
	}
	return c.reg.Invoke(ctx, name, args), nil
}

func (c *registryClient) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists + len(c.calls)
}

func TestRunTwoSequentialToolCalls(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.CallTools(llm.NewToolCall("c1", services.Diagnostics, map[string]any{"obd_code": "P0301"})),
		llm.CallTools(llm.NewToolCall("c2", services.Knowledge, map[string]any{"topic": "P0301"})),
		llm.Answer("Cylinder 1 is misfiring. Book a service soon."),
	)
	client := newRegistryClient()

	var transitions []string
	loop := New(provider, client, WithObserver(func(from, to State) {
		transitions = append(transitions, string(from)+">"+string(to))
	}))

	res, err := loop.Run(context.Background(), "My check engine light is on")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateDone || res.Iterations != 3 {
		t.Fatalf("unexpected state %s after %d iterations", res.State, res.Iterations)
	}
	if !strings.Contains(res.Answer, "misfiring") {
		t.Fatalf("unexpected answer %q", res.Answer)
	}
	if len(res.ToolCalls) != 2 || res.ToolCalls[0].Name != services.Diagnostics || res.ToolCalls[1].Name != services.Knowledge {
		t.Fatalf("unexpected tool calls: %+v", res.ToolCalls)
	}
	if !reflect.DeepEqual(client.calls, []string{services.Diagnostics, services.Knowledge}) {
		t.Fatalf("unexpected call order: %v", client.calls)
	}
	if len(res.Conversation) != 7 {
		t.Fatalf("expected 7 messages, got %d", len(res.Conversation))
	}
	if res.Conversation[0].Role != llm.RoleSystem || res.Conversation[0].Content != DefaultSystemPrompt {
		t.Fatalf("expected system prompt first, got %+v", res.Conversation[0])
	}

	reqs := provider.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 model turns, got %d", len(reqs))
	}
	if len(reqs[0].Tools) != 7 {
		t.Fatalf("expected 7 tool definitions, got %d", len(reqs[0].Tools))
	}
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "c2" || !strings.Contains(last.Content, "Misfire") {
		t.Fatalf("expected knowledge result fed back, got %+v", last)
	}

	want := []string{
		"start>await_model", "await_model>executing", "executing>await_model",
		"await_model>executing", "executing>await_model", "await_model>done",
	}
	if !reflect.DeepEqual(transitions, want) {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestRunMissingCredentialMakesNoRequests(t *testing.T) {
	client := newRegistryClient()
	provider := &llm.MockProvider{MissingCredential: true}

	res, err := New(provider, client).Run(context.Background(), "hello")
	if !errors.HasCode(err, errors.CodeMissingCredential) {
		t.Fatalf("expected MISSING_CREDENTIAL, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed state, got %s", res.State)
	}
	if n := client.requests(); n != 0 {
		t.Fatalf("expected zero protocol requests, got %d", n)
	}
}

func TestRunIterationCap(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.CallTools(llm.NewToolCall("", services.VehicleInfo, nil)))
	provider.Repeat = true
	client := newRegistryClient()

	res, err := New(provider, client, WithMaxIterations(3)).Run(context.Background(), "loop forever")
	if !errors.HasCode(err, errors.CodeIterationLimit) {
		t.Fatalf("expected ITERATION_LIMIT_EXCEEDED, got %v", err)
	}
	if provider.CallCount() != 3 {
		t.Fatalf("expected exactly 3 model turns, got %d", provider.CallCount())
	}
	if res.Iterations != 3 || len(res.ToolCalls) != 3 || res.State != StateFailed {
		t.Fatalf("unexpected result: iterations=%d calls=%d state=%s", res.Iterations, len(res.ToolCalls), res.State)
	}
}

func TestRunToolErrorsAreFedBack(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.CallTools(
			llm.NewToolCall("c1", "nonexistent", nil),
			llm.NewToolCall("c2", services.Maintenance, map[string]any{"current_mileage": "lots"}),
		),
		llm.Answer("I could not check the service schedule."),
	)
	client := newRegistryClient()

	res, err := New(provider, client).Run(context.Background(), "When is my next service?")
	if err != nil {
		t.Fatalf("tool errors must not fail the run: %v", err)
	}
	if res.State != StateDone || len(res.ToolCalls) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ToolCalls[0].Error == nil || res.ToolCalls[0].Error.Kind != errors.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", res.ToolCalls[0])
	}
	if res.ToolCalls[1].Error == nil || res.ToolCalls[1].Error.Kind != errors.CodeInvalidArguments {
		t.Fatalf("expected INVALID_ARGUMENTS, got %+v", res.ToolCalls[1])
	}

	msgs := provider.Requests()[1].Messages
	unknown := msgs[len(msgs)-2]
	if !strings.Contains(unknown.Content, `"kind":"UNKNOWN_TOOL"`) {
		t.Fatalf("expected error descriptor in tool message, got %s", unknown.Content)
	}
	invalid := msgs[len(msgs)-1]
	if !strings.Contains(invalid.Content, `"params":["current_mileage"]`) {
		t.Fatalf("expected offending param in tool message, got %s", invalid.Content)
	}
}

func TestRunMalformedArguments(t *testing.T) {
	call := llm.ToolCall{ID: "c1", Type: llm.ToolTypeFunction,
		Function: llm.FunctionCall{Name: services.Weather, Arguments: "{not json"}}
	provider := llm.NewScriptedProvider(llm.CallTools(call), llm.Answer("done"))
	client := newRegistryClient()

	res, err := New(provider, client).Run(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.calls) != 0 {
		t.Fatalf("malformed arguments must not reach the server, got %v", client.calls)
	}
	if res.ToolCalls[0].Error == nil || res.ToolCalls[0].Error.Kind != errors.CodeInvalidArguments {
		t.Fatalf("expected INVALID_ARGUMENTS, got %+v", res.ToolCalls[0])
	}
}

func TestRunProviderError(t *testing.T) {
	provider := llm.NewScriptedProvider()
	provider.Err = fmt.Errorf("rate limited")

	res, err := New(provider, newRegistryClient()).Run(context.Background(), "hi")
	if !errors.HasCode(err, errors.CodeProviderError) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	if res.State != StateFailed || res.Iterations != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunServerUnreachableIsFatal(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.CallTools(llm.NewToolCall("c1", services.Weather, nil)),
		llm.Answer("never reached"),
	)
	client := newRegistryClient()
	client.callErr = errors.New(errors.CodeServerUnreachable, "broken pipe", nil)

	res, err := New(provider, client).Run(context.Background(), "weather?")
	if !errors.HasCode(err, errors.CodeServerUnreachable) {
		t.Fatalf("expected SERVER_UNREACHABLE, got %v", err)
	}
	if provider.CallCount() != 1 {
		t.Fatalf("expected the loop to stop after the failing call, got %d turns", provider.CallCount())
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Error == nil {
		t.Fatalf("expected the failed invocation to be recorded: %+v", res.ToolCalls)
	}
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	client := newRegistryClient()
	_, err := New(llm.NewScriptedProvider(), client).Run(context.Background(), "  ")
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if client.requests() != 0 {
		t.Fatalf("expected no requests")
	}
}

func TestRunOverInProcessServer(t *testing.T) {
	ctx := context.Background()
	srv := mcp.NewServer("carmcp-test", "1.0.0", services.Default())
	client, err := mcp.ConnectInProcess(ctx, srv)
	if err != nil {
		t.Fatalf("ConnectInProcess: %v", err)
	}
	defer client.Close()

	provider := llm.NewScriptedProvider(
		llm.CallTools(llm.NewToolCall("c1", services.Weather, map[string]any{"route_region": "coast"})),
		llm.CallTools(llm.NewToolCall("c2", services.Emergency, map[string]any{"risk_level": "high"})),
		llm.Answer("Avoid travel today."),
	)
	res, err := New(provider, client, WithModel("scripted-1")).Run(ctx, "Is it safe to drive to the coast?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolCalls) != 2 || !res.ToolCalls[0].OK() || !res.ToolCalls[1].OK() {
		t.Fatalf("unexpected tool calls: %+v", res.ToolCalls)
	}
	if res.ToolCalls[1].Output["recommendation"] != "Avoid travel and keep roadside assistance on standby" {
		t.Fatalf("unexpected emergency output: %v", res.ToolCalls[1].Output)
	}
	if got := provider.Requests()[0].Model; got != "scripted-1" {
		t.Fatalf("expected model to be forwarded, got %q", got)
	}
	if !strings.Contains(res.Transcript(), "[tool weather]") {
		t.Fatalf("transcript misses tool output:\n%s", res.Transcript())
	}
}
