package toolloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
)

// ToolInvocation records one tool call made during a run.
type ToolInvocation struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Iteration int                `json:"iteration"`
	Args      map[string]any     `json:"arguments,omitempty"`
	Output    map[string]any     `json:"output,omitempty"`
	Error     *errors.Descriptor `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration"`
}

// OK reports whether the call succeeded.
func (t ToolInvocation) OK() bool { return t.Error == nil }

// Result is the outcome of Loop.Run.
type Result struct {
	RunID        string           `json:"run_id"`
	Answer       string           `json:"answer"`
	State        State            `json:"state"`
	Iterations   int              `json:"iterations"`
	ToolCalls    []ToolInvocation `json:"tool_calls"`
	Conversation []llm.Message    `json:"conversation,omitempty"`
}

// JSON renders the result as indented JSON.
func (r *Result) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Transcript renders the conversation one message per block.
func (r *Result) Transcript() string {
	var b strings.Builder
	for _, msg := range r.Conversation {
		switch msg.Role {
		case llm.RoleTool:
			fmt.Fprintf(&b, "[tool %s] %s\n", msg.Name, msg.Content)
		case llm.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "[assistant] %s\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "[assistant -> %s] %s\n", call.Function.Name, call.Function.Arguments)
			}
		default:
			fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}
