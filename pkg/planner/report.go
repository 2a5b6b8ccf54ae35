package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
)

// Report statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// StepResult is the materialized outcome of one step.
type StepResult struct {
	Index    int                `json:"index"`
	StepID   string             `json:"step"`
	Tool     string             `json:"tool"`
	Args     map[string]any     `json:"args"`
	Output   map[string]any     `json:"output,omitempty"`
	Error    *errors.Descriptor `json:"error,omitempty"`
	Duration time.Duration      `json:"duration_ns"`
}

// OK reports whether the step succeeded.
func (r StepResult) OK() bool { return r.Error == nil }

// Report is the outcome of a scenario run.
type Report struct {
	RunID       string        `json:"run_id"`
	Scenario    string        `json:"scenario"`
	Description string        `json:"description,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Status      string        `json:"status"`
	ToolCalls   []StepResult  `json:"tool_calls"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Chain returns the tool names that ran, in order.
func (r *Report) Chain() []string {
	out := make([]string, 0, len(r.ToolCalls))
	for _, c := range r.ToolCalls {
		out = append(out, c.Tool)
	}
	return out
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Text renders a human-readable report.
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s", r.Scenario)
	if r.Description != "" {
		fmt.Fprintf(&b, " (%s)", r.Description)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Chain: %s\n", strings.Join(r.Chain(), " -> "))
	for _, c := range r.ToolCalls {
		if c.OK() {
			fmt.Fprintf(&b, "  %d. %s %s\n", c.Index+1, c.Tool, formatFields(c.Output))
			continue
		}
		fmt.Fprintf(&b, "  %d. %s FAILED [%s] %s\n", c.Index+1, c.Tool, c.Error.Kind, c.Error.Message)
	}
	if r.Status == StatusOK {
		fmt.Fprintf(&b, "Summary: %s\n", r.Summary)
	} else {
		b.WriteString("Status: failed\n")
	}
	return b.String()
}

func formatFields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "service" || k == "timestamp" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}
