package mcp

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/jllopis/carmcp/pkg/llm"
	"github.com/jllopis/carmcp/pkg/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"
)

// orderKey carries declaration order across the wire. JSON objects have no
// order and the server lists tools by name.
const orderKey = "x-order"

// toolFromDescriptor renders a registry descriptor as an MCP tool. index is
// the descriptor's registration index.
func toolFromDescriptor(d registry.Descriptor, index int) mcp.Tool {
	schema := d.JSONSchema()
	props, _ := schema["properties"].(map[string]any)
	for i, p := range d.Schema {
		if prop, ok := props[p.Name].(map[string]any); ok {
			prop[orderKey] = i
		}
	}
	return mcp.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   d.Schema.Required(),
		},
		Meta: mcp.NewMetaFromMap(map[string]any{orderKey: index}),
	}
}

// descriptorFromTool rebuilds a registry descriptor from an advertised tool.
// Parameters follow their x-order; unordered ones go last, by name.
func descriptorFromTool(tool mcp.Tool) registry.Descriptor {
	required := make(map[string]bool, len(tool.InputSchema.Required))
	for _, name := range tool.InputSchema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(tool.InputSchema.Properties))
	for name := range tool.InputSchema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	sort.SliceStable(names, func(i, j int) bool {
		return propertyPosition(tool, names[i]) < propertyPosition(tool, names[j])
	})

	schema := make(registry.Schema, 0, len(names))
	for _, name := range names {
		prop, _ := tool.InputSchema.Properties[name].(map[string]any)
		p := registry.Param{
			Name:        name,
			Type:        registry.ParamType(cast.ToString(prop["type"])),
			Description: cast.ToString(prop["description"]),
			Required:    required[name],
			Default:     prop["default"],
		}
		if p.Type == "" {
			p.Type = registry.TypeString
		}
		if enum, ok := prop["enum"].([]any); ok {
			p.Enum = cast.ToStringSlice(enum)
		}
		schema = append(schema, p)
	}
	return registry.Descriptor{Name: tool.Name, Description: tool.Description, Schema: schema}
}

// sortTools puts tools back in registration order. Tools without a position
// keep the server's order after the positioned ones.
func sortTools(tools []mcp.Tool) {
	sort.SliceStable(tools, func(i, j int) bool {
		return toolPosition(tools[i]) < toolPosition(tools[j])
	})
}

func toolPosition(tool mcp.Tool) int {
	if tool.Meta == nil {
		return math.MaxInt
	}
	return position(tool.Meta.AdditionalFields[orderKey])
}

func propertyPosition(tool mcp.Tool, name string) int {
	prop, _ := tool.InputSchema.Properties[name].(map[string]any)
	return position(prop[orderKey])
}

func position(v any) int {
	if v == nil {
		return math.MaxInt
	}
	n, err := cast.ToIntE(v)
	if err != nil || n < 0 {
		return math.MaxInt
	}
	return n
}

// ToolDefinition converts a descriptor into a model function tool.
func ToolDefinition(d registry.Descriptor) llm.Tool {
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.JSONSchema(),
		},
	}
}

// ToolDefinitions converts descriptors to model function tools.
func ToolDefinitions(descs []registry.Descriptor) []llm.Tool {
	defs := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, ToolDefinition(d))
	}
	return defs
}

// resultToProtocol encodes a registry result as a tool call result. Domain
// failures become IsError results carrying the error descriptor.
func resultToProtocol(res registry.Result) *mcp.CallToolResult {
	if !res.OK() {
		d := res.Err.Descriptor()
		raw, _ := json.Marshal(d)
		return &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}},
			StructuredContent: d,
			IsError:           true,
		}
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return resultToProtocol(registry.Failure(
			errors.New(errors.CodeToolFailure, "result is not JSON-serializable", err)))
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}},
		StructuredContent: res.Data,
	}
}

// resultFromProtocol decodes a tool call result into a registry result.
func resultFromProtocol(name string, result *mcp.CallToolResult) registry.Result {
	if result == nil {
		return registry.Failure(errors.Newf(errors.CodeToolFailure, "tool %q returned no result", name))
	}
	text := extractTextContent(result.Content)
	if result.IsError {
		var d errors.Descriptor
		if err := json.Unmarshal([]byte(text), &d); err != nil || d.Message == "" {
			d = errors.Descriptor{Kind: errors.CodeToolFailure, Message: strings.TrimSpace(text)}
		}
		return registry.Failure(errors.FromDescriptor(d).WithContext("tool", name))
	}
	data := map[string]any{}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		if m, ok := result.StructuredContent.(map[string]any); ok {
			return registry.Success(m)
		}
		data = map[string]any{"text": text}
	}
	return registry.Success(data)
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
