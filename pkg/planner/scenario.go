// Package planner runs fixed scenarios as ordered chains of registry calls.
package planner

import (
	"fmt"
	"strings"

	"github.com/jllopis/carmcp/pkg/errors"
)

// Scenario is a named, ordered chain of tool calls.
type Scenario struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Summary     string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step is a single tool invocation within a scenario.
type Step struct {
	ID   string         `json:"id" yaml:"id"`
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	// Bind maps an argument name to a field of an earlier step's result.
	Bind map[string]Ref `json:"bind,omitempty" yaml:"bind,omitempty"`
}

// Ref names a field of an earlier step's result. Field may be a dotted path
// into nested objects.
type Ref struct {
	Step  string `json:"step" yaml:"step"`
	Field string `json:"field" yaml:"field"`
}

func (r Ref) String() string { return r.Step + "." + r.Field }

// Validate checks ids and that every binding refers to an earlier step.
func (s *Scenario) Validate() error {
	if s == nil {
		return errors.New(errors.CodeInvalidInput, "scenario is nil", nil)
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.New(errors.CodeInvalidInput, "scenario id is required", nil)
	}
	if len(s.Steps) == 0 {
		return errors.Newf(errors.CodeInvalidInput, "scenario %q has no steps", s.ID)
	}
	seen := make(map[string]bool, len(s.Steps))
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.ID == "" {
			step.ID = fmt.Sprintf("step%d", i+1)
		}
		if step.Tool == "" {
			return errors.Newf(errors.CodeInvalidInput, "scenario %q step %q missing tool", s.ID, step.ID)
		}
		if seen[step.ID] {
			return errors.Newf(errors.CodeInvalidInput, "scenario %q has duplicate step %q", s.ID, step.ID)
		}
		for arg, ref := range step.Bind {
			if ref.Field == "" {
				return errors.Newf(errors.CodeInvalidInput, "scenario %q step %q binding %q missing field", s.ID, step.ID, arg)
			}
			if !seen[ref.Step] {
				return errors.Newf(errors.CodeInvalidInput,
					"scenario %q step %q binding %q refers to %q which does not run earlier", s.ID, step.ID, arg, ref.Step)
			}
		}
		seen[step.ID] = true
	}
	return nil
}

// Tools returns the tool names in execution order.
func (s *Scenario) Tools() []string {
	out := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		out = append(out, step.Tool)
	}
	return out
}
