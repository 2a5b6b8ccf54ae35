package mcp

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/resilience"
	"github.com/jllopis/carmcp/pkg/telemetry"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 2
	defaultBackoff = 200 * time.Millisecond
)

// ClientOption customizes the client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures retry count and backoff for tool listing. Tool calls
// are never retried.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.maxRetries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithToolCacheTTL sets the tool listing cache TTL. 0 disables caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithEnv adds KEY=VALUE entries to the spawned server's environment.
func WithEnv(env ...string) ClientOption {
	return func(c *Client) {
		c.env = append(c.env, env...)
	}
}

// WithClientInfo sets the implementation info sent during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = mcp.Implementation{Name: name, Version: version}
	}
}

// WithClientLogger sets the logger. Defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClientMetrics records tool metrics for every call.
func WithClientMetrics(m *telemetry.ToolMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client talks to an MCP server and speaks registry types.
type Client struct {
	mcpClient  client.MCPClient
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	cacheTTL   time.Duration
	env        []string
	info       mcp.Implementation
	logger     *slog.Logger
	metrics    *telemetry.ToolMetrics
	tracer     trace.Tracer

	mu          sync.Mutex
	toolsCache  []registry.Descriptor
	cacheExpiry time.Time
	known       map[string]bool

	closeOnce sync.Once
	closeErr  error
}

// NewClient wraps an already started and initialized MCP client.
func NewClient(c client.MCPClient, opts ...ClientOption) *Client {
	cl := &Client{
		mcpClient:  c,
		timeout:    defaultTimeout,
		maxRetries: defaultRetries,
		backoff:    defaultBackoff,
		info:       mcp.Implementation{Name: "carmcp-client", Version: "0.1.0"},
		logger:     slog.Default(),
		tracer:     otel.Tracer("carmcp/mcp"),
	}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Connect spawns the server command, performs the initialize handshake and
// lists the server's tools. Any failure yields a ServerUnreachable error and
// the spawned process is reaped.
func Connect(ctx context.Context, command string, args []string, opts ...ClientOption) (*Client, error) {
	c := NewClient(nil, opts...)
	stdio, err := client.NewStdioMCPClient(command, c.env, args...)
	if err != nil {
		return nil, unreachable("failed to start server "+command, err)
	}
	if stderr, ok := client.GetStderr(stdio); ok {
		go c.drain(stderr)
	}
	c.mcpClient = stdio
	if err := c.handshake(ctx, stdio); err != nil {
		_ = stdio.Close()
		return nil, err
	}
	return c, nil
}

// ConnectHTTP connects to a server over Streamable HTTP.
func ConnectHTTP(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := NewClient(nil, opts...)
	httpClient, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, unreachable("failed to create http client for "+url, err)
	}
	c.mcpClient = httpClient
	if err := c.handshake(ctx, httpClient); err != nil {
		_ = httpClient.Close()
		return nil, err
	}
	return c, nil
}

// ConnectInProcess connects to srv without a transport. The server runs in
// the caller's process.
func ConnectInProcess(ctx context.Context, srv *Server, opts ...ClientOption) (*Client, error) {
	c := NewClient(nil, opts...)
	inProcess, err := client.NewInProcessClient(srv.MCPServer())
	if err != nil {
		return nil, unreachable("failed to create in-process client", err)
	}
	c.mcpClient = inProcess
	if err := c.handshake(ctx, inProcess); err != nil {
		_ = inProcess.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, mc *client.Client) error {
	if err := mc.Start(ctx); err != nil {
		return unreachable("failed to start client transport", err)
	}

	initCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = c.info
	res, err := mc.Initialize(initCtx, req)
	if err != nil {
		return unreachable("initialize failed", err)
	}
	c.logger.DebugContext(ctx, "mcp.client.initialized",
		"server", res.ServerInfo.Name, "version", res.ServerInfo.Version, "protocol", res.ProtocolVersion)

	tools, err := c.ListTools(ctx)
	if err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "mcp.client.ready", "tools", len(tools))
	return nil
}

// ListTools returns the server's tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]registry.Descriptor, error) {
	if cached := c.cachedTools(); cached != nil {
		return cached, nil
	}
	res, err := c.listToolsWithRetry(ctx)
	if err != nil {
		return nil, unreachable("list tools failed", err)
	}
	sortTools(res.Tools)
	out := make([]registry.Descriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		out = append(out, descriptorFromTool(tool))
	}
	c.storeTools(out)
	return out, nil
}

// CallTool invokes a tool. Transport failures return a ServerUnreachable
// error. Domain failures and JSON-RPC error responses are reported in the
// result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (registry.Result, error) {
	ctx, span := c.tracer.Start(ctx, "MCP.Client.CallTool",
		trace.WithAttributes(attribute.String(telemetry.AttrToolName, name)),
	)
	defer span.End()

	if !c.isKnown(name) {
		span.SetStatus(codes.Error, string(errors.CodeUnknownTool))
		return registry.Failure(errors.Newf(errors.CodeUnknownTool, "tool %q not found", name).
			WithContext("tool", name)), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	start := time.Now()
	reqCtx, cancel := c.withTimeout(ctx)
	res, err := c.mcpClient.CallTool(reqCtx, req)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		if out, ok := protocolFailure(name, err); ok {
			span.SetStatus(codes.Error, string(out.Err.Code))
			c.metrics.RecordToolCall(ctx, name, elapsed, out.Err)
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return registry.Result{}, ctxErr
		}
		uerr := unreachable("tool call "+name+" failed", err)
		span.RecordError(uerr)
		span.SetStatus(codes.Error, string(errors.CodeServerUnreachable))
		c.metrics.RecordError(ctx, uerr, "mcp.client")
		return registry.Result{}, uerr
	}

	out := resultFromProtocol(name, res)
	if !out.OK() {
		span.SetStatus(codes.Error, string(out.Err.Code))
		c.metrics.RecordToolCall(ctx, name, elapsed, out.Err)
	} else {
		c.metrics.RecordToolCall(ctx, name, elapsed, nil)
	}
	return out, nil
}

// Close terminates the connection and, for spawned servers, the process.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.mcpClient != nil {
			c.closeErr = c.mcpClient.Close()
		}
	})
	return c.closeErr
}

func (c *Client) isKnown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known == nil {
		return true
	}
	return c.known[name]
}

func (c *Client) cachedTools() []registry.Descriptor {
	if c.cacheTTL == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toolsCache) == 0 || time.Now().After(c.cacheExpiry) {
		return nil
	}
	out := make([]registry.Descriptor, len(c.toolsCache))
	copy(out, c.toolsCache)
	return out
}

func (c *Client) storeTools(tools []registry.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known = make(map[string]bool, len(tools))
	for _, t := range tools {
		c.known[t.Name] = true
	}
	if c.cacheTTL == 0 {
		return
	}
	c.toolsCache = make([]registry.Descriptor, len(tools))
	copy(c.toolsCache, tools)
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
}

func (c *Client) listToolsWithRetry(ctx context.Context) (*mcp.ListToolsResult, error) {
	// Per-attempt deadlines are retried; Retry stops on the parent ctx.
	cfg := resilience.DefaultRetryConfig().
		WithMaxAttempts(c.maxRetries + 1).
		WithInitialDelay(c.backoff).
		WithIsRecoverable(func(error) bool { return true }).
		WithOnRetry(func(attempt int, err error) {
			c.logger.DebugContext(ctx, "mcp.client.list.retry", "attempt", attempt, "error", err)
		})
	return resilience.Retry(ctx, cfg, func(ctx context.Context) (*mcp.ListToolsResult, error) {
		reqCtx, cancel := c.withTimeout(ctx)
		defer cancel()
		return c.mcpClient.ListTools(reqCtx, mcp.ListToolsRequest{})
	})
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// drain forwards the server's stderr to the debug log so the pipe never fills.
func (c *Client) drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("mcp.server.stderr", "line", scanner.Text())
	}
}

// protocolFailure maps a JSON-RPC error response to a failed result. It
// reports false for anything the server did not answer, which callers treat
// as a transport failure.
func protocolFailure(name string, err error) (registry.Result, bool) {
	switch {
	case stderrors.Is(err, mcp.ErrInvalidParams):
		// The server rejects calls to tools it does not register this way.
		return registry.Failure(errors.Newf(errors.CodeUnknownTool, "tool %q not found", name).
			WithContext("tool", name)), true
	case stderrors.Is(err, mcp.ErrMethodNotFound),
		stderrors.Is(err, mcp.ErrInvalidRequest),
		stderrors.Is(err, mcp.ErrParseError),
		stderrors.Is(err, mcp.ErrInternalError),
		stderrors.Is(err, mcp.ErrResourceNotFound):
		return registry.Failure(errors.New(errors.CodeInternal, "server rejected tool call "+name, err).
			WithContext("tool", name)), true
	}
	return registry.Result{}, false
}

func unreachable(msg string, cause error) *errors.Error {
	return errors.New(errors.CodeServerUnreachable, msg, cause)
}
