package telemetry

import "go.opentelemetry.io/otel/attribute"

// Span and metric attribute keys.
const (
	AttrRunID      = "carmcp.run.id"
	AttrScenarioID = "carmcp.scenario.id"
	AttrStepID     = "carmcp.step.id"
	AttrStepIndex  = "carmcp.step.index"
	AttrToolName   = "carmcp.tool.name"
	AttrToolOK     = "carmcp.tool.ok"
	AttrComponent  = "carmcp.component"
	AttrErrorCode  = "carmcp.error.code"

	AttrLLMProvider  = "carmcp.llm.provider"
	AttrLLMModel     = "carmcp.llm.model"
	AttrLLMIteration = "carmcp.llm.iteration"
	AttrLLMMaxIter   = "carmcp.llm.max_iterations"
	AttrLLMToolCalls = "carmcp.llm.tool_calls"
)

// ScenarioAttributes describes a planner run.
func ScenarioAttributes(runID, scenarioID string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.String(AttrScenarioID, scenarioID),
		attribute.Int("carmcp.scenario.steps", steps),
	}
}

// StepAttributes describes one planner step.
func StepAttributes(stepID, tool string, index int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrToolName, tool),
		attribute.Int(AttrStepIndex, index),
	}
}

// ToolCallAttributes describes a tool invocation outcome.
func ToolCallAttributes(tool string, ok bool, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrToolName, tool),
		attribute.Bool(AttrToolOK, ok),
	}
	if code != "" {
		attrs = append(attrs, attribute.String(AttrErrorCode, code))
	}
	return attrs
}

// LLMAttributes describes one tool-calling loop turn.
func LLMAttributes(provider, model string, iteration, maxIter, toolCalls int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrLLMProvider, provider),
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMIteration, iteration),
		attribute.Int(AttrLLMMaxIter, maxIter),
		attribute.Int(AttrLLMToolCalls, toolCalls),
	}
}
