package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/services"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamSession drives a server over in-memory pipes with raw JSON-RPC lines.
type streamSession struct {
	t      *testing.T
	in     *io.PipeWriter
	reader *bufio.Reader
	cancel context.CancelFunc
	done   chan error
}

func newStreamSession(t *testing.T, srv *Server) *streamSession {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	s := &streamSession{t: t, in: inW, reader: bufio.NewReader(outR), cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- srv.Listen(ctx, inR, outW) }()
	t.Cleanup(s.stop)

	s.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` +
		mcpgo.LATEST_PROTOCOL_VERSION + `","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`)
	if resp := s.recv(); resp.ID != 1 || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	s.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	return s
}

func (s *streamSession) send(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

func (s *streamSession) recv() rpcResponse {
	s.t.Helper()
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		s.t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		s.t.Fatalf("decode %q: %v", line, err)
	}
	return resp
}

// listTools sends tools/list with id and returns the advertised tool names.
func (s *streamSession) listTools(id int) []string {
	s.t.Helper()
	s.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/list"}`, id))
	resp := s.recv()
	if resp.ID != id || resp.Error != nil {
		s.t.Fatalf("tools/list failed: %+v", resp)
	}
	var listing struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listing); err != nil {
		s.t.Fatalf("decode listing: %v", err)
	}
	names := make([]string, 0, len(listing.Tools))
	for _, tool := range listing.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func (s *streamSession) stop() {
	s.cancel()
	_ = s.in.Close()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.t.Errorf("Listen did not stop")
	}
}

func TestServerListenOverStreams(t *testing.T) {
	s := newStreamSession(t, NewServer("carmcp-test", "1.0.0", services.Default()))

	if names := s.listTools(2); len(names) != 7 {
		t.Fatalf("expected 7 tools, got %v", names)
	}

	s.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`)
	if resp := s.recv(); resp.ID != 3 || resp.Error == nil {
		t.Fatalf("expected protocol error for unknown tool, got %+v", resp)
	}

	s.send(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"navigation","arguments":{}}}`)
	resp := s.recv()
	if resp.ID != 4 || resp.Error != nil {
		t.Fatalf("tools/call failed: %+v", resp)
	}
	var result struct {
		StructuredContent map[string]any `json:"structuredContent"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if result.StructuredContent["destination"] != "Office" {
		t.Fatalf("expected default destination, got %v", result.StructuredContent)
	}
}

func TestServerSurvivesMalformedRequests(t *testing.T) {
	s := newStreamSession(t, NewServer("carmcp-test", "1.0.0", services.Default()))

	tests := []struct {
		name    string
		line    string
		id      int
		code    int
		message string
	}{
		{
			name: "unknown method",
			line: `{"jsonrpc":"2.0","id":10,"method":"bogus/method"}`,
			id:   10,
			code: mcpgo.METHOD_NOT_FOUND,
		},
		{
			name:    "tool call without name",
			line:    `{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"arguments":{}}}`,
			id:      11,
			code:    mcpgo.INVALID_PARAMS,
			message: "tool '' not found",
		},
		{
			name: "not json",
			line: `{not json`,
			code: mcpgo.PARSE_ERROR,
		},
	}
	for i, tt := range tests {
		s.send(tt.line)
		resp := s.recv()
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Fatalf("%s: expected error code %d, got %+v", tt.name, tt.code, resp)
		}
		if resp.ID != tt.id {
			t.Fatalf("%s: expected id %d, got %d", tt.name, tt.id, resp.ID)
		}
		if tt.message != "" && !strings.Contains(resp.Error.Message, tt.message) {
			t.Fatalf("%s: expected message containing %q, got %q", tt.name, tt.message, resp.Error.Message)
		}
		if names := s.listTools(100 + i); len(names) != 7 {
			t.Fatalf("server stopped answering after %s: %v", tt.name, names)
		}
	}
}

func TestResultProtocolConversion(t *testing.T) {
	ok := resultToProtocol(registry.Success(map[string]any{"severity": "medium"}))
	if ok.IsError {
		t.Fatalf("success must not be flagged as error")
	}
	got := resultFromProtocol("diagnostics", ok)
	if !got.OK() || got.Data["severity"] != "medium" {
		t.Fatalf("unexpected decoded success: %+v", got)
	}

	failed := resultToProtocol(registry.Failure(
		errors.New(errors.CodeInvalidArguments, "missing required arguments", nil).WithParams("destination")))
	if !failed.IsError {
		t.Fatalf("failure must be flagged as error")
	}
	got = resultFromProtocol("navigation", failed)
	if got.OK() || got.Err.Code != errors.CodeInvalidArguments {
		t.Fatalf("unexpected decoded failure: %+v", got)
	}
	if len(got.Err.Params) != 1 || got.Err.Params[0] != "destination" {
		t.Fatalf("params lost: %v", got.Err.Params)
	}

	plain := &mcpgo.CallToolResult{Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "ok"}}}
	if got := resultFromProtocol("ping", plain); got.Data["text"] != "ok" {
		t.Fatalf("expected text payload, got %+v", got)
	}
}

func TestToolDefinitions(t *testing.T) {
	defs := ToolDefinitions(dispatchRegistry(t).DescribeAll())
	if len(defs) != 8 {
		t.Fatalf("expected 8 definitions, got %d", len(defs))
	}
	nav := defs[1]
	if nav.Function.Name != services.Navigation {
		t.Fatalf("expected navigation second, got %s", nav.Function.Name)
	}
	params, _ := nav.Function.Parameters.(map[string]any)
	if _, ok := params["required"]; ok {
		t.Fatalf("navigation has no required parameters: %v", params["required"])
	}
	props, _ := params["properties"].(map[string]any)
	dest, _ := props["destination"].(map[string]any)
	if dest["default"] != "Office" {
		t.Fatalf("expected destination default, got %v", dest)
	}

	dispatch := defs[7]
	params, _ = dispatch.Function.Parameters.(map[string]any)
	required, _ := params["required"].([]string)
	if len(required) != 1 || required[0] != "location" {
		t.Fatalf("unexpected required list: %v", params["required"])
	}
}

func TestToolOrderSurvivesEncoding(t *testing.T) {
	d, _ := dispatchRegistry(t).Lookup("dispatch")
	raw, err := json.Marshal(toolFromDescriptor(d, 7))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var tool mcpgo.Tool
	if err := json.Unmarshal(raw, &tool); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := toolPosition(tool); got != 7 {
		t.Fatalf("expected position 7, got %d", got)
	}
	back := descriptorFromTool(tool)
	for i, p := range d.Schema {
		if back.Schema[i].Name != p.Name {
			t.Fatalf("param %d: expected %s, got %s", i, p.Name, back.Schema[i].Name)
		}
	}

	tools := []mcpgo.Tool{{Name: "zeta"}, tool, toolFromDescriptor(registry.Descriptor{Name: "alpha"}, 2)}
	sortTools(tools)
	if tools[0].Name != "alpha" || tools[1].Name != "dispatch" || tools[2].Name != "zeta" {
		t.Fatalf("unexpected order: %s %s %s", tools[0].Name, tools[1].Name, tools[2].Name)
	}
}
