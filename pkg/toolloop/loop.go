// Package toolloop runs the model-driven tool-calling loop: the model picks
// tools, the loop executes them through the MCP client and feeds the results
// back until the model answers or the turn cap is reached.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/core"
	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
	"github.com/jllopis/carmcp/pkg/mcp"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxIterations caps the number of model turns.
	DefaultMaxIterations = 8

	// DefaultSystemPrompt is sent as the first message of every run.
	DefaultSystemPrompt = "You are an automotive assistant. Use provided tools when needed, and return clear, safe advice."
)

// State is a phase of a run.
type State string

const (
	StateStart      State = "start"
	StateAwaitModel State = "await_model"
	StateExecuting  State = "executing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// ToolClient is the tool channel used by the loop. *mcp.Client implements it.
type ToolClient interface {
	ListTools(ctx context.Context) ([]registry.Descriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (registry.Result, error)
}

// Observer is notified of every state transition.
type Observer func(from, to State)

// Option configures a Loop.
type Option func(*Loop)

// WithModel sets the model name sent with every request. Empty lets the
// provider choose.
func WithModel(model string) Option {
	return func(l *Loop) { l.model = model }
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) {
		if strings.TrimSpace(prompt) != "" {
			l.systemPrompt = prompt
		}
	}
}

// WithMaxIterations sets the turn cap. Values below 1 are ignored.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(l *Loop) { l.temperature = t }
}

// WithObserver registers a state transition callback.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records loop failures.
func WithMetrics(m *telemetry.ToolMetrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop drives one conversation per Run. A Loop holds no conversation state
// between runs.
type Loop struct {
	provider      llm.Provider
	tools         ToolClient
	model         string
	systemPrompt  string
	maxIterations int
	temperature   float64
	observer      Observer
	logger        *slog.Logger
	metrics       *telemetry.ToolMetrics
	tracer        trace.Tracer
}

// New creates a loop over provider and tools.
func New(provider llm.Provider, tools ToolClient, opts ...Option) *Loop {
	l := &Loop{
		provider:      provider,
		tools:         tools,
		systemPrompt:  DefaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
		tracer:        otel.Tracer("carmcp/toolloop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxIterations returns the configured turn cap.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Run answers prompt. On failure it returns the partial result together with
// the error; the result's State is StateFailed.
func (l *Loop) Run(ctx context.Context, prompt string) (*Result, error) {
	ctx, runID := core.EnsureRunID(ctx)
	providerName := llm.ProviderName(l.provider)
	ctx, span := l.tracer.Start(ctx, "ToolLoop.Run", trace.WithAttributes(
		attribute.String(telemetry.AttrRunID, runID),
		attribute.String(telemetry.AttrLLMProvider, providerName),
		attribute.Int(telemetry.AttrLLMMaxIter, l.maxIterations),
	))
	defer span.End()

	r := &run{loop: l, span: span, result: &Result{RunID: runID, State: StateStart}}

	if strings.TrimSpace(prompt) == "" {
		return r.fail(ctx, errors.New(errors.CodeInvalidInput, "prompt is required", nil))
	}
	if err := llm.CheckCredentials(l.provider); err != nil {
		return r.fail(ctx, err)
	}

	l.logger.InfoContext(ctx, "toolloop.run.start",
		slog.String("provider", providerName),
		slog.String("model", l.model),
		slog.Int("max_iterations", l.maxIterations),
	)

	descs, err := l.tools.ListTools(ctx)
	if err != nil {
		if isContextError(err) {
			return r.fail(ctx, err)
		}
		return r.fail(ctx, WrapTransportError(err, ""))
	}
	defs := mcp.ToolDefinitions(descs)

	r.messages = []llm.Message{
		{Role: llm.RoleSystem, Content: l.systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}

	for iter := 1; iter <= l.maxIterations; iter++ {
		r.transition(StateAwaitModel)
		r.result.Iterations = iter

		resp, err := r.chat(ctx, iter, defs)
		if err != nil {
			if isContextError(err) {
				return r.fail(ctx, err)
			}
			return r.fail(ctx, WrapProviderError(err, providerName, l.model))
		}
		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ID == "" {
				resp.ToolCalls[i].ID = fmt.Sprintf("call_%d_%d", iter, i)
			}
		}
		r.messages = append(r.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			r.result.Answer = resp.Content
			r.transition(StateDone)
			r.result.Conversation = r.messages
			l.logger.InfoContext(ctx, "toolloop.run.complete",
				slog.Int("iterations", iter),
				slog.Int("tool_calls", len(r.result.ToolCalls)),
			)
			return r.result, nil
		}

		r.transition(StateExecuting)
		for _, call := range resp.ToolCalls {
			msg, err := r.execute(ctx, iter, call)
			if err != nil {
				return r.fail(ctx, err)
			}
			r.messages = append(r.messages, msg)
		}
	}

	return r.fail(ctx, NewIterationLimitError(l.maxIterations))
}

// run carries the per-call state of Loop.Run.
type run struct {
	loop     *Loop
	span     trace.Span
	result   *Result
	messages []llm.Message
}

func (r *run) transition(to State) {
	from := r.result.State
	r.result.State = to
	if r.loop.observer != nil {
		r.loop.observer(from, to)
	}
}

func (r *run) fail(ctx context.Context, err error) (*Result, error) {
	r.transition(StateFailed)
	r.result.Conversation = r.messages

	code := errors.CodeOf(err)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(code))
	r.loop.metrics.RecordError(ctx, err, "toolloop")
	r.loop.logger.ErrorContext(ctx, "toolloop.run.failed",
		slog.String("error", err.Error()),
		slog.String("error_code", string(code)),
		slog.Int("iterations", r.result.Iterations),
	)
	return r.result, err
}

func (r *run) chat(ctx context.Context, iter int, defs []llm.Tool) (*llm.ChatResponse, error) {
	l := r.loop
	ctx, span := l.tracer.Start(ctx, "ToolLoop.Model")
	defer span.End()
	span.SetAttributes(telemetry.LLMAttributes(llm.ProviderName(l.provider), l.model, iter, l.maxIterations, 0)...)

	start := time.Now()
	resp, err := l.provider.Chat(ctx, llm.ChatRequest{
		Model:       l.model,
		Messages:    r.messages,
		Tools:       defs,
		Temperature: l.temperature,
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("provider returned no response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int(telemetry.AttrLLMToolCalls, len(resp.ToolCalls)))
	l.logger.DebugContext(ctx, "toolloop.model.response",
		slog.Int("iteration", iter),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// execute runs one tool call. Tool failures become tool messages; only a
// broken channel is returned as an error.
func (r *run) execute(ctx context.Context, iter int, call llm.ToolCall) (llm.Message, error) {
	l := r.loop
	name := call.Function.Name
	ctx, span := l.tracer.Start(ctx, "ToolLoop.Tool", trace.WithAttributes(
		attribute.String(telemetry.AttrToolName, name),
		attribute.Int(telemetry.AttrLLMIteration, iter),
	))
	defer span.End()

	inv := ToolInvocation{ID: call.ID, Name: name, Iteration: iter}
	start := time.Now()

	var res registry.Result
	args, perr := parseArguments(name, call.Function.Arguments)
	if perr != nil {
		res = registry.Failure(perr)
	} else {
		inv.Args = args
		out, err := l.tools.CallTool(ctx, name, args)
		inv.Duration = time.Since(start)
		if err != nil {
			if !isContextError(err) {
				err = WrapTransportError(err, name)
			}
			inv.Error = descriptorOf(err)
			r.result.ToolCalls = append(r.result.ToolCalls, inv)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return llm.Message{}, err
		}
		res = out
	}
	inv.Duration = time.Since(start)

	if res.OK() {
		inv.Output = res.Data
		span.SetAttributes(telemetry.ToolCallAttributes(name, true, "")...)
		l.logger.InfoContext(ctx, "toolloop.tool.complete",
			slog.String("tool", name),
			slog.String("tool_call_id", call.ID),
			slog.Duration("duration", inv.Duration),
		)
	} else {
		d := res.Err.Descriptor()
		inv.Error = &d
		span.SetAttributes(telemetry.ToolCallAttributes(name, false, string(res.Err.Code))...)
		span.SetStatus(codes.Error, string(res.Err.Code))
		l.logger.WarnContext(ctx, "toolloop.tool.error",
			slog.String("tool", name),
			slog.String("tool_call_id", call.ID),
			slog.String("error_code", string(res.Err.Code)),
			slog.String("error", res.Err.Error()),
		)
	}
	r.result.ToolCalls = append(r.result.ToolCalls, inv)

	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Name:       name,
		Content:    toolContent(res),
	}, nil
}

func parseArguments(name, raw string) (map[string]any, *errors.Error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, NewArgumentsError(name, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// toolContent renders a result as the JSON text of a tool message.
func toolContent(res registry.Result) string {
	var payload any = res.Data
	if !res.OK() {
		payload = map[string]any{"error": res.Err.Descriptor()}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error":{"kind":%q,"message":"result is not JSON-serializable"}}`, errors.CodeToolFailure)
	}
	return string(raw)
}

func descriptorOf(err error) *errors.Descriptor {
	d := errors.As(err).Descriptor()
	return &d
}
