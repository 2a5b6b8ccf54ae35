package core

import (
	"context"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates the component works with reduced capability,
	// e.g. the protocol server answers but the model has no credential.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult is the outcome of one check.
type HealthResult struct {
	Component string        `json:"component"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	LastCheck time.Time     `json:"last_check"`
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Check calls f.
func (f HealthCheckFunc) Check(ctx context.Context) HealthResult { return f(ctx) }

// Health runs registered checks in registration order.
type Health struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]HealthChecker
	timeout  time.Duration
	now      func() time.Time
}

// NewHealth creates an empty set of checks. Each check gets timeout; zero
// means no per-check deadline.
func NewHealth(timeout time.Duration) *Health {
	return &Health{
		checkers: make(map[string]HealthChecker),
		timeout:  timeout,
		now:      time.Now,
	}
}

// Register adds or replaces the checker for name.
func (h *Health) Register(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checkers[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checkers[name] = checker
}

// CheckAll runs every check and returns the results with the overall status:
// unhealthy if any check is unhealthy, degraded if any is degraded.
func (h *Health) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	h.mu.RUnlock()

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for i, checker := range checkers {
		res := h.run(ctx, names[i], checker)
		results = append(results, res)
		switch res.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

func (h *Health) run(ctx context.Context, name string, checker HealthChecker) HealthResult {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	start := h.now()
	res := checker.Check(ctx)
	res.Component = name
	res.Duration = h.now().Sub(start)
	if res.LastCheck.IsZero() {
		res.LastCheck = start
	}
	if res.Status == "" {
		res.Status = HealthHealthy
		if res.Error != "" {
			res.Status = HealthUnhealthy
		}
	}
	return res
}
