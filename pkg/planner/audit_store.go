package planner

import (
	"context"
	"sync"
	"time"
)

// Audit statuses emitted for every step.
const (
	AuditStarted   = "started"
	AuditCompleted = "completed"
	AuditFailed    = "failed"
)

// AuditEvent records one step transition.
type AuditEvent struct {
	RunID      string         `json:"run_id"`
	ScenarioID string         `json:"scenario_id"`
	StepID     string         `json:"step_id"`
	Tool       string         `json:"tool"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// AuditHook receives audit events synchronously.
type AuditHook func(ctx context.Context, event AuditEvent)

// AuditStore keeps audit events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter limits audit event queries.
type AuditFilter struct {
	ScenarioID string
	RunID      string
	Status     string
	Limit      int
}

// MemoryAuditStore keeps audit events in memory.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditStore returns an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Hook returns an AuditHook that records into the store.
func (s *MemoryAuditStore) Hook() AuditHook {
	return func(ctx context.Context, event AuditEvent) {
		_ = s.Record(ctx, event)
	}
}

// Record appends an audit event.
func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.StartedAt = normalizeAuditTime(event.StartedAt)
	event.FinishedAt = normalizeAuditTime(event.FinishedAt)
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events in recording order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0, len(s.events))
	for _, ev := range s.events {
		if filter.ScenarioID != "" && ev.ScenarioID != filter.ScenarioID {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func normalizeAuditTime(value time.Time) time.Time {
	if value.IsZero() {
		return value
	}
	return value.UTC()
}
