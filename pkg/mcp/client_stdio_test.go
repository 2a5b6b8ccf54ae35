package mcp

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/services"
)

const mcpStdioHelperEnv = "CARMCP_MCP_STDIO_HELPER"

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}
	srv := NewServer("carmcp-test", "1.0.0", services.Default())
	if err := srv.ServeStdio(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClient_Stdio_ListToolsAndCall(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := Connect(ctx, exe, []string{"-test.run", "^TestHelperMCPStdioServer$"},
		WithEnv(mcpStdioHelperEnv+"=1"))
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer client.Close()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if len(tools) != 7 {
		t.Fatalf("expected 7 tools, got %d", len(tools))
	}

	res, err := client.CallTool(ctx, services.Diagnostics, map[string]any{"obd_code": "P0301"})
	if err != nil {
		t.Fatalf("CallTool error: %v", err)
	}
	if !res.OK() || res.Data["severity"] != "medium" {
		t.Fatalf("unexpected diagnostics result: %+v", res)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := Connect(ctx, "/nonexistent/carmcp-server", nil, WithTimeout(2*time.Second))
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	if !errors.HasCode(err, errors.CodeServerUnreachable) {
		t.Fatalf("expected SERVER_UNREACHABLE, got %v", err)
	}
}
