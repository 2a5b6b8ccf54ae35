package mcp

import (
	"context"
	stderrors "errors"
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/services"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

func newInProcess(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	return newInProcessWith(t, services.Default(), opts...)
}

func newInProcessWith(t *testing.T, reg *registry.Registry, opts ...ClientOption) *Client {
	t.Helper()
	srv := NewServer("carmcp-test", "1.0.0", reg)
	c, err := ConnectInProcess(context.Background(), srv, opts...)
	if err != nil {
		t.Fatalf("ConnectInProcess: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInProcessListToolsIsStable(t *testing.T) {
	c := newInProcess(t)
	ctx := context.Background()

	first, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	second, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("listings differ:\n%+v\n%+v", first, second)
	}

	byName := map[string]bool{}
	for _, d := range first {
		byName[d.Name] = true
	}
	for _, name := range services.Default().Names() {
		if !byName[name] {
			t.Fatalf("tool %s missing from listing", name)
		}
	}
}

func TestInProcessDescriptorSchema(t *testing.T) {
	c := newInProcess(t)
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	for _, d := range tools {
		if d.Name != services.Emergency {
			continue
		}
		if len(d.Schema) != 1 || d.Schema[0].Name != "risk_level" {
			t.Fatalf("unexpected emergency schema: %+v", d.Schema)
		}
		if len(d.Schema[0].Enum) != 4 {
			t.Fatalf("expected enum to survive the round trip: %+v", d.Schema[0])
		}
		return
	}
	t.Fatalf("emergency tool not listed")
}

func TestInProcessCallTool(t *testing.T) {
	c := newInProcess(t)
	res, err := c.CallTool(context.Background(), services.Navigation, map[string]any{"destination": "Airport"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Data["destination"] != "Airport" || res.Data["route_risk_zone"] != "moderate" {
		t.Fatalf("unexpected navigation data: %v", res.Data)
	}

	res, err = c.CallTool(context.Background(), services.Navigation, nil)
	if err != nil || !res.OK() || res.Data["destination"] != "Office" {
		t.Fatalf("expected default destination, got %+v (%v)", res, err)
	}
}

func TestInProcessUnknownTool(t *testing.T) {
	c := newInProcess(t)
	res, err := c.CallTool(context.Background(), "nonexistent", nil)
	if err != nil {
		t.Fatalf("unknown tool must not be a transport error: %v", err)
	}
	if res.OK() || res.Err.Code != errors.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", res)
	}
}

func TestInProcessToolRemovedAfterListing(t *testing.T) {
	c := newInProcess(t)
	ctx := context.Background()
	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	// A stale listing still names a tool the server no longer serves.
	c.storeTools(append(tools, registry.Descriptor{Name: "retired"}))

	res, err := c.CallTool(ctx, "retired", nil)
	if err != nil {
		t.Fatalf("a server error response must not be a transport error: %v", err)
	}
	if res.OK() || res.Err.Code != errors.CodeUnknownTool {
		t.Fatalf("expected UNKNOWN_TOOL, got %+v", res)
	}
}

func TestProtocolFailure(t *testing.T) {
	rpcErr := func(code int, msg string) error {
		return (&mcpgo.JSONRPCErrorDetails{Code: code, Message: msg}).AsError()
	}
	tests := []struct {
		name   string
		err    error
		ok     bool
		wantEC errors.ErrorCode
	}{
		{"invalid params", rpcErr(mcpgo.INVALID_PARAMS, "tool 'x' not found: tool not found"), true, errors.CodeUnknownTool},
		{"method not found", rpcErr(mcpgo.METHOD_NOT_FOUND, "Method tools/call not found"), true, errors.CodeInternal},
		{"internal", rpcErr(mcpgo.INTERNAL_ERROR, "boom"), true, errors.CodeInternal},
		{"mentions not found but is transport", stderrors.New("transport: tool endpoint not found"), false, ""},
		{"closed pipe", stderrors.New("io: read/write on closed pipe"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := protocolFailure("x", tt.err)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if !ok {
				return
			}
			if res.OK() || res.Err.Code != tt.wantEC {
				t.Fatalf("expected %s, got %+v", tt.wantEC, res)
			}
		})
	}
}

// dispatchRegistry adds an operation with a required parameter and a
// declaration order that is not alphabetical.
func dispatchRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := services.Default()
	err := reg.Register(registry.Operation{
		Name:        "dispatch",
		Description: "Send roadside assistance.",
		Schema: registry.Schema{
			{Name: "location", Type: registry.TypeString, Required: true},
			{Name: "callback", Type: registry.TypeBoolean, Default: false},
			{Name: "area", Type: registry.TypeString, Default: "city"},
		},
		Func: func(_ context.Context, args registry.Args) (map[string]any, error) {
			return map[string]any{"location": args.String("location")}, nil
		},
	})
	if err != nil {
		t.Fatalf("register dispatch: %v", err)
	}
	return reg
}

func TestInProcessListingKeepsRegistrationOrder(t *testing.T) {
	reg := dispatchRegistry(t)
	c := newInProcessWith(t, reg)
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, d := range tools {
		names = append(names, d.Name)
	}
	if !reflect.DeepEqual(names, reg.Names()) {
		t.Fatalf("expected registration order %v, got %v", reg.Names(), names)
	}

	dispatch := tools[len(tools)-1]
	var params []string
	for _, p := range dispatch.Schema {
		params = append(params, p.Name)
	}
	if !reflect.DeepEqual(params, []string{"location", "callback", "area"}) {
		t.Fatalf("expected declaration order, got %v", params)
	}
	if !dispatch.Schema[0].Required || dispatch.Schema[2].Default != "city" {
		t.Fatalf("schema details lost: %+v", dispatch.Schema)
	}
}

func TestInProcessInvalidArguments(t *testing.T) {
	c := newInProcessWith(t, dispatchRegistry(t))
	ctx := context.Background()

	res, err := c.CallTool(ctx, "dispatch", map[string]any{})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.OK() || res.Err.Code != errors.CodeInvalidArguments {
		t.Fatalf("expected INVALID_ARGUMENTS, got %+v", res)
	}
	if !reflect.DeepEqual(res.Err.Params, []string{"location"}) {
		t.Fatalf("expected location param, got %v", res.Err.Params)
	}
	if res.Err.Context["tool"] != "dispatch" {
		t.Fatalf("expected tool context, got %v", res.Err.Context)
	}

	res, err = c.CallTool(ctx, services.Maintenance, map[string]any{"current_mileage": "lots"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.OK() || !reflect.DeepEqual(res.Err.Params, []string{"current_mileage"}) {
		t.Fatalf("expected current_mileage type failure, got %+v", res)
	}
}

func TestInProcessToolCache(t *testing.T) {
	c := newInProcess(t, WithToolCacheTTL(time.Minute))
	ctx := context.Background()
	first, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	first[0].Name = "mutated"
	second, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if second[0].Name == "mutated" {
		t.Fatalf("cache must hand out copies")
	}
}

func TestClient_StreamableHTTP(t *testing.T) {
	srv := NewServer("carmcp-http", "1.0.0", services.Default())
	httpServer := mcpserver.NewTestStreamableHTTPServer(srv.MCPServer())
	defer httpServer.Close()

	c, err := ConnectHTTP(context.Background(), httpServer.URL)
	if err != nil {
		t.Fatalf("ConnectHTTP: %v", err)
	}
	defer c.Close()

	res, err := c.CallTool(context.Background(), services.Weather, map[string]any{"route_region": "coast"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.OK() || res.Data["region"] != "coast" || res.Data["risk_level"] != "high" {
		t.Fatalf("unexpected weather result: %+v", res)
	}
}
