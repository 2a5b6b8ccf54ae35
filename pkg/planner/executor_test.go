package planner

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/jllopis/carmcp/pkg/services"
)

// countingInvoker records every call before delegating.
type countingInvoker struct {
	mu    sync.Mutex
	next  Invoker
	calls []registry.Call
}

func (c *countingInvoker) Invoke(ctx context.Context, name string, args map[string]any) registry.Result {
	c.mu.Lock()
	c.calls = append(c.calls, registry.Call{Name: name, Args: args})
	c.mu.Unlock()
	return c.next.Invoke(ctx, name, args)
}

func (c *countingInvoker) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call.Name)
	}
	return out
}

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *countingInvoker) {
	t.Helper()
	inv := &countingInvoker{next: services.Default()}
	return NewExecutor(inv, Builtin(), opts...), inv
}

func TestRunCheckEngineChain(t *testing.T) {
	exec, inv := newTestExecutor(t)

	report, err := exec.Run(context.Background(), "check_engine")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{services.Diagnostics, services.Knowledge, services.Maintenance}
	if got := strings.Join(inv.names(), ","); got != strings.Join(want, ",") {
		t.Fatalf("unexpected chain: %s", got)
	}
	if got := strings.Join(report.Chain(), ","); got != strings.Join(want, ",") {
		t.Fatalf("unexpected report chain: %s", got)
	}
	if report.Status != StatusOK || report.Summary == "" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if topic := inv.calls[1].Args["topic"]; topic != "P0301" {
		t.Fatalf("expected knowledge bound to diagnostics obd_code, got %v", topic)
	}
	text := report.Text()
	if !strings.Contains(text, "diagnostics -> knowledge -> maintenance") || !strings.Contains(text, "Summary:") {
		t.Fatalf("unexpected text report:\n%s", text)
	}
}

func TestRunBuiltinScenarios(t *testing.T) {
	cases := map[string][]string{
		"route_risk": {services.Navigation, services.Weather, services.Emergency},
		"pre_trip":   {services.VehicleInfo, services.Maintenance, services.Diagnostics},
		"safe_drive": {services.Weather, services.Navigation, services.Emergency, services.Knowledge},
	}
	for id, want := range cases {
		t.Run(id, func(t *testing.T) {
			exec, _ := newTestExecutor(t)
			report, err := exec.Run(context.Background(), id)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got := strings.Join(report.Chain(), ","); got != strings.Join(want, ",") {
				t.Fatalf("unexpected chain: %s", got)
			}
		})
	}
}

func TestRunBindsEarlierResults(t *testing.T) {
	exec, inv := newTestExecutor(t)
	if _, err := exec.Run(context.Background(), "pre_trip"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if mileage := inv.calls[1].Args["current_mileage"]; mileage != 42000 {
		t.Fatalf("expected mileage bound from vehicle_info, got %v (%T)", mileage, mileage)
	}
}

func TestRunUnknownScenarioHasNoSideEffects(t *testing.T) {
	var events []AuditEvent
	exec, inv := newTestExecutor(t, WithAuditHook(func(_ context.Context, ev AuditEvent) {
		events = append(events, ev)
	}))

	report, err := exec.Run(context.Background(), "nonexistent")
	if !errors.HasCode(err, errors.CodeUnknownScenario) {
		t.Fatalf("expected UNKNOWN_SCENARIO, got %v", err)
	}
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if len(inv.names()) != 0 || len(events) != 0 {
		t.Fatalf("expected zero tool calls, got %v", inv.names())
	}
}

func TestRunFailFast(t *testing.T) {
	exec, inv := newTestExecutor(t)
	scenario := Scenario{
		ID: "broken",
		Steps: []Step{
			{ID: "w", Tool: services.Weather},
			{ID: "bad", Tool: "teleport"},
			{ID: "never", Tool: services.Navigation, Args: map[string]any{"destination": "Home"}},
		},
	}

	report, err := exec.RunScenario(context.Background(), scenario)
	if !errors.HasCode(err, errors.CodeUnknownTool) {
		t.Fatalf("expected UNKNOWN_TOOL, got %v", err)
	}
	if len(inv.names()) != 2 {
		t.Fatalf("expected chain to halt after failing step, got %v", inv.names())
	}
	if report.Status != StatusFailed || len(report.ToolCalls) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.ToolCalls[1].Error == nil || report.ToolCalls[1].Error.Kind != errors.CodeUnknownTool {
		t.Fatalf("expected failure recorded in report: %+v", report.ToolCalls[1])
	}
	if !strings.Contains(report.Text(), "FAILED [UNKNOWN_TOOL]") {
		t.Fatalf("expected failure in text report:\n%s", report.Text())
	}
}

func TestRunMissingBindingField(t *testing.T) {
	exec, inv := newTestExecutor(t)
	scenario := Scenario{
		ID: "missing-field",
		Steps: []Step{
			{ID: "w", Tool: services.Weather},
			{ID: "k", Tool: services.Knowledge, Bind: map[string]Ref{"topic": {Step: "w", Field: "humidity"}}},
		},
	}
	_, err := exec.RunScenario(context.Background(), scenario)
	if !errors.HasCode(err, errors.CodeInvalidArguments) {
		t.Fatalf("expected INVALID_ARGUMENTS, got %v", err)
	}
	if e := errors.As(err); len(e.Params) != 1 || e.Params[0] != "topic" {
		t.Fatalf("expected topic param, got %+v", e.Params)
	}
	if len(inv.names()) != 1 {
		t.Fatalf("unresolved step must not be invoked, got %v", inv.names())
	}
}

func TestExecutorAuditHook(t *testing.T) {
	store := NewMemoryAuditStore()
	exec, _ := newTestExecutor(t, WithAuditHook(store.Hook()))

	if _, err := exec.Run(context.Background(), "check_engine"); err != nil {
		t.Fatalf("run: %v", err)
	}
	events, _ := store.List(context.Background(), AuditFilter{ScenarioID: "check_engine"})
	if len(events) != 6 {
		t.Fatalf("expected 6 audit events, got %d", len(events))
	}
	if events[0].Status != AuditStarted || events[1].Status != AuditCompleted {
		t.Fatalf("unexpected audit statuses: %+v", events[:2])
	}
	completed, _ := store.List(context.Background(), AuditFilter{Status: AuditCompleted, Limit: 2})
	if len(completed) != 2 || completed[0].Tool != services.Diagnostics {
		t.Fatalf("unexpected filtered events: %+v", completed)
	}
}
