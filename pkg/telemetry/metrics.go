package telemetry

import (
	"context"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolMetrics records tool invocation counts, latency and error rates.
// A nil *ToolMetrics is valid and records nothing.
type ToolMetrics struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
	errs    metric.Int64Counter
}

// NewToolMetrics creates instruments on the global meter provider.
func NewToolMetrics() (*ToolMetrics, error) {
	meter := otel.Meter("carmcp/tools")

	calls, err := meter.Int64Counter(
		"carmcp.tool.calls",
		metric.WithDescription("Tool invocations by tool and outcome"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"carmcp.tool.latency_ms",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter(
		"carmcp.errors.total",
		metric.WithDescription("Errors by code and component"),
	)
	if err != nil {
		return nil, err
	}
	return &ToolMetrics{calls: calls, latency: latency, errs: errs}, nil
}

// RecordToolCall records one invocation. err may be a *errors.Error or nil.
func (m *ToolMetrics) RecordToolCall(ctx context.Context, tool string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	code := ""
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	attrs := metric.WithAttributes(ToolCallAttributes(tool, err == nil, code)...)
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RecordError increments the error counter for err's code and component.
func (m *ToolMetrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	recoverable := "unknown"
	if e := errors.As(err); e != nil {
		recoverable = e.RecoverableString()
	}
	m.errs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(errors.CodeOf(err))),
		attribute.String(AttrComponent, component),
		attribute.String("carmcp.error.recoverable", recoverable),
	))
}
