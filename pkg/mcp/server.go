// Package mcp exposes the service registry over the Model Context Protocol
// and provides the matching client.
package mcp

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/telemetry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server exposes every registry operation as an MCP tool. It keeps no
// per-session state beyond the registry.
type Server struct {
	mcpServer *server.MCPServer
	registry  *registry.Registry
	metrics   *telemetry.ToolMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerMetrics records tool metrics for every call.
func WithServerMetrics(m *telemetry.ToolMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server advertising every operation in reg.
func NewServer(name, version string, reg *registry.Registry, opts ...ServerOption) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		registry:  reg,
		logger:    slog.Default(),
		tracer:    otel.Tracer("carmcp/mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, d := range reg.DescribeAll() {
		s.mcpServer.AddTool(toolFromDescriptor(d, i), s.handler(d.Name))
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := s.tracer.Start(ctx, "MCP.Server.CallTool",
			trace.WithAttributes(attribute.String(telemetry.AttrToolName, name)),
		)
		defer span.End()

		start := time.Now()
		res := s.registry.Invoke(ctx, name, req.GetArguments())
		elapsed := time.Since(start)

		if !res.OK() {
			span.SetStatus(codes.Error, string(res.Err.Code))
			s.metrics.RecordToolCall(ctx, name, elapsed, res.Err)
			s.metrics.RecordError(ctx, res.Err, "mcp.server")
			s.logger.WarnContext(ctx, "mcp.server.call",
				"tool", name, "code", res.Err.Code, "params", res.Err.Params, "duration", elapsed)
			return resultToProtocol(res), nil
		}
		s.metrics.RecordToolCall(ctx, name, elapsed, nil)
		s.logger.DebugContext(ctx, "mcp.server.call", "tool", name, "duration", elapsed)
		return resultToProtocol(res), nil
	}
}

// ServeStdio serves the protocol on the process's stdin and stdout until
// stdin closes or the process receives SIGTERM or SIGINT.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Listen serves the protocol over the given streams until ctx is done or in
// reaches EOF.
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// ServeStreamableHTTP serves the protocol over Streamable HTTP on addr until
// ctx is done.
func (s *Server) ServeStreamableHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Start(addr) }()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
