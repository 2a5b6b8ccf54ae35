// Package registry holds the catalog of callable service operations shared by
// the scripted planner and the MCP server.
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jllopis/carmcp/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Args is the argument mapping passed to an operation.
type Args map[string]any

// String returns the named argument as a string, or "".
func (a Args) String(name string) string {
	v, _ := a[name].(string)
	return v
}

// Int returns the named argument as an int64, or 0.
func (a Args) Int(name string) int64 {
	v, _ := a[name].(int64)
	return v
}

// Func executes an operation with validated, coerced arguments.
type Func func(ctx context.Context, args Args) (map[string]any, error)

// Operation is a named service operation with a declared input schema.
type Operation struct {
	Name        string
	Description string
	Schema      Schema
	Func        Func
}

// Descriptor is the protocol-facing projection of an Operation.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
}

// JSONSchema renders the descriptor's input schema as JSON Schema.
func (d Descriptor) JSONSchema() map[string]any {
	return d.Schema.JSONSchema()
}

// Call is a single tool call request.
type Call struct {
	Name string         `json:"name" yaml:"name"`
	Args map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Result is the outcome of one invocation: either data or an error descriptor.
type Result struct {
	Data map[string]any `json:"data,omitempty"`
	Err  *errors.Error  `json:"error,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Success builds a successful result.
func Success(data map[string]any) Result {
	if data == nil {
		data = map[string]any{}
	}
	return Result{Data: data}
}

// Failure builds a failed result.
func Failure(err *errors.Error) Result {
	return Result{Err: err}
}

type entry struct {
	op     Operation
	schema *gojsonschema.Schema
}

// Registry is an ordered catalog of operations. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds an operation. Names must be unique.
func (r *Registry) Register(op Operation) error {
	name := strings.TrimSpace(op.Name)
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "operation name is required", nil)
	}
	if op.Func == nil {
		return errors.Newf(errors.CodeInvalidInput, "operation %q has no implementation", name)
	}
	if err := op.Schema.Validate(); err != nil {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("operation %q has an invalid schema", name), err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(op.Schema.JSONSchema()))
	if err != nil {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("operation %q schema does not compile", name), err)
	}
	op.Name = name
	op.Schema = append(Schema(nil), op.Schema...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return errors.Newf(errors.CodeInvalidInput, "operation %q already registered", name)
	}
	r.entries[name] = &entry{op: op, schema: compiled}
	r.order = append(r.order, name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(op Operation) {
	if err := r.Register(op); err != nil {
		panic(err)
	}
}

// DescribeAll returns one descriptor per operation, in registration order.
func (r *Registry) DescribeAll() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, describe(r.entries[name].op))
	}
	return out
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return describe(e.op), true
}

// Names returns the registered operation names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Invoke validates args against the operation schema and executes it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Failure(errors.Newf(errors.CodeUnknownTool, "tool %q not found", name).
			WithContext("tool", name))
	}

	coerced, verr := e.prepare(args)
	if verr != nil {
		return Failure(verr.WithContext("tool", name))
	}

	data, err := e.op.Func(ctx, coerced)
	if err != nil {
		var typed *errors.Error
		if stderrors.As(err, &typed) {
			return Failure(typed)
		}
		return Failure(errors.New(errors.CodeToolFailure, fmt.Sprintf("tool %q failed", name), err).
			WithContext("tool", name))
	}
	return Success(data)
}

// prepare coerces, defaults and schema-checks the supplied arguments.
func (e *entry) prepare(args map[string]any) (Args, *errors.Error) {
	out := make(Args, len(e.op.Schema))
	var missing, invalid []string

	for _, p := range e.op.Schema {
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Required {
				missing = append(missing, p.Name)
				continue
			}
			if p.Default != nil {
				raw = p.Default
			} else {
				continue
			}
		}
		value, err := p.coerce(raw)
		if err != nil {
			invalid = append(invalid, p.Name)
			continue
		}
		out[p.Name] = value
	}

	if len(missing) > 0 {
		return nil, errors.New(errors.CodeInvalidArguments, "missing required arguments", nil).
			WithParams(missing...).
			WithParams(invalid...)
	}
	if len(invalid) > 0 {
		return nil, errors.New(errors.CodeInvalidArguments, "arguments do not match declared types", nil).
			WithParams(invalid...)
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(map[string]any(out)))
	if err != nil {
		return nil, errors.New(errors.CodeInvalidArguments, "arguments could not be validated", err)
	}
	if !result.Valid() {
		var fields, details []string
		for _, re := range result.Errors() {
			fields = append(fields, resultField(re))
			details = append(details, re.String())
		}
		return nil, errors.New(errors.CodeInvalidArguments, strings.Join(details, "; "), nil).
			WithParams(fields...)
	}
	return out, nil
}

func resultField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" || field == "" {
		if prop, ok := re.Details()["property"].(string); ok {
			return prop
		}
	}
	return field
}

func describe(op Operation) Descriptor {
	return Descriptor{
		Name:        op.Name,
		Description: op.Description,
		Schema:      append(Schema(nil), op.Schema...),
	}
}
