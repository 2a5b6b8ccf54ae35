package planner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/core"
	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invoker runs a named operation. *registry.Registry satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) registry.Result
}

// Executor runs catalog scenarios against an Invoker, one step at a time.
type Executor struct {
	invoker   Invoker
	catalog   *Catalog
	AuditHook AuditHook
	metrics   *telemetry.ToolMetrics
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithAuditHook sets the audit hook.
func WithAuditHook(h AuditHook) Option {
	return func(e *Executor) { e.AuditHook = h }
}

// WithMetrics records tool metrics for every step.
func WithMetrics(m *telemetry.ToolMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an executor over the given invoker and catalog.
func NewExecutor(invoker Invoker, catalog *Catalog, opts ...Option) *Executor {
	e := &Executor{
		invoker: invoker,
		catalog: catalog,
		logger:  slog.Default(),
		tracer:  otel.Tracer("carmcp/planner"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the executor's catalog.
func (e *Executor) Catalog() *Catalog { return e.catalog }

// Run executes the scenario with the given id. Steps run strictly in order and
// the first failing step halts the chain; the returned report then holds the
// completed steps plus the failure, alongside the step error.
func (e *Executor) Run(ctx context.Context, scenarioID string) (*Report, error) {
	if e.catalog == nil {
		return nil, errors.New(errors.CodeInternal, "planner has no catalog", nil)
	}
	scenario, err := e.catalog.Get(scenarioID)
	if err != nil {
		e.logger.WarnContext(ctx, "planner.run.unknown_scenario", "scenario", scenarioID)
		return nil, err
	}
	return e.RunScenario(ctx, scenario)
}

// RunScenario executes an ad-hoc scenario.
func (e *Executor) RunScenario(ctx context.Context, scenario Scenario) (*Report, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := e.tracer.Start(ctx, "Planner.Run",
		trace.WithAttributes(telemetry.ScenarioAttributes(runID, scenario.ID, len(scenario.Steps))...),
	)
	defer span.End()

	report := &Report{
		RunID:       runID,
		Scenario:    scenario.ID,
		Description: scenario.Description,
		Summary:     scenario.Summary,
		Status:      StatusOK,
		ToolCalls:   make([]StepResult, 0, len(scenario.Steps)),
		StartedAt:   e.now().UTC(),
	}
	e.logger.InfoContext(ctx, "planner.run.start", "scenario", scenario.ID, "steps", len(scenario.Steps))

	results := make(map[string]map[string]any, len(scenario.Steps))
	for i, step := range scenario.Steps {
		res, stepErr := e.runStep(ctx, runID, scenario.ID, i, step, results)
		report.ToolCalls = append(report.ToolCalls, res)
		if stepErr != nil {
			report.Status = StatusFailed
			report.Duration = e.now().Sub(report.StartedAt)
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			e.logger.ErrorContext(ctx, "planner.run.failed",
				"scenario", scenario.ID, "step", step.ID, "tool", step.Tool, "error", stepErr)
			return report, stepErr
		}
		results[step.ID] = res.Output
	}

	report.Duration = e.now().Sub(report.StartedAt)
	span.SetStatus(codes.Ok, "")
	e.logger.InfoContext(ctx, "planner.run.complete",
		"scenario", scenario.ID, "chain", strings.Join(report.Chain(), ","), "duration", report.Duration)
	return report, nil
}

func (e *Executor) runStep(ctx context.Context, runID, scenarioID string, index int, step Step, results map[string]map[string]any) (StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "Planner.Step",
		trace.WithAttributes(telemetry.StepAttributes(step.ID, step.Tool, index)...),
	)
	defer span.End()

	started := e.now()
	e.audit(ctx, AuditEvent{
		RunID: runID, ScenarioID: scenarioID, StepID: step.ID, Tool: step.Tool,
		Status: AuditStarted, StartedAt: started,
	})

	out := StepResult{Index: index, StepID: step.ID, Tool: step.Tool}
	args, bindErr := resolveArgs(step, results)
	out.Args = args

	var stepErr *errors.Error
	if bindErr != nil {
		stepErr = bindErr
	} else {
		res := e.invoker.Invoke(ctx, step.Tool, args)
		if res.OK() {
			out.Output = res.Data
		} else {
			stepErr = res.Err
		}
	}
	out.Duration = e.now().Sub(started)

	event := AuditEvent{
		RunID: runID, ScenarioID: scenarioID, StepID: step.ID, Tool: step.Tool,
		StartedAt: started, FinishedAt: e.now(),
	}
	if stepErr != nil {
		stepErr = stepErr.WithContext("step", step.ID).WithContext("scenario", scenarioID)
		d := stepErr.Descriptor()
		out.Error = &d
		event.Status, event.Error = AuditFailed, stepErr.Error()
		span.RecordError(stepErr)
		span.SetStatus(codes.Error, string(stepErr.Code))
		span.SetAttributes(attribute.String(telemetry.AttrErrorCode, string(stepErr.Code)))
		e.metrics.RecordToolCall(ctx, step.Tool, out.Duration, stepErr)
		e.metrics.RecordError(ctx, stepErr, "planner")
		e.logger.WarnContext(ctx, "planner.step.failed",
			"step", step.ID, "tool", step.Tool, "code", stepErr.Code, "error", stepErr.Message)
		e.audit(ctx, event)
		return out, stepErr
	}

	event.Status, event.Output = AuditCompleted, out.Output
	e.metrics.RecordToolCall(ctx, step.Tool, out.Duration, nil)
	e.logger.DebugContext(ctx, "planner.step.complete",
		"step", step.ID, "tool", step.Tool, "duration", out.Duration)
	e.audit(ctx, event)
	return out, nil
}

func (e *Executor) audit(ctx context.Context, event AuditEvent) {
	if e.AuditHook != nil {
		e.AuditHook(ctx, event)
	}
}

// resolveArgs copies the step's static arguments and fills bindings from
// earlier results. Bound values override static ones.
func resolveArgs(step Step, results map[string]map[string]any) (map[string]any, *errors.Error) {
	args := make(map[string]any, len(step.Args)+len(step.Bind))
	for k, v := range step.Args {
		args[k] = v
	}
	var missing []string
	for name, ref := range step.Bind {
		v, ok := lookupField(results[ref.Step], ref.Field)
		if !ok {
			missing = append(missing, name)
			continue
		}
		args[name] = v
	}
	if len(missing) > 0 {
		return args, errors.New(errors.CodeInvalidArguments, "unresolved bindings for "+step.ID, nil).
			WithParams(missing...)
	}
	return args, nil
}

func lookupField(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
