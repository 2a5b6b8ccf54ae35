// Package errors provides the typed error taxonomy shared by the registry,
// the planner, the MCP transport and the tool-calling loop.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies carmcp errors for callers, logs and metrics.
type ErrorCode string

const (
	// CodeUnknownTool indicates a call named a tool absent from the registry.
	CodeUnknownTool ErrorCode = "UNKNOWN_TOOL"

	// CodeInvalidArguments indicates tool arguments failed schema validation.
	CodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"

	// CodeUnknownScenario indicates the planner was asked for an undefined scenario.
	CodeUnknownScenario ErrorCode = "UNKNOWN_SCENARIO"

	// CodeServerUnreachable indicates the MCP channel could not be used.
	CodeServerUnreachable ErrorCode = "SERVER_UNREACHABLE"

	// CodeIterationLimit indicates the tool-calling loop hit its turn cap.
	CodeIterationLimit ErrorCode = "ITERATION_LIMIT_EXCEEDED"

	// CodeMissingCredential indicates the model provider has no credential.
	CodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"

	// CodeProviderError wraps a failure returned by the model provider.
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	// CodeToolFailure indicates a service operation returned a business error.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeInvalidInput indicates invalid configuration or caller input.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a typed error with context for callers and observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Params      []string
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Params) > 0 {
		msg += " (" + strings.Join(e.Params, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Descriptor())
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]interface{}),
		Recoverable: recoverableByDefault(code),
	}
}

// Newf creates an Error with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Sentinel returns a comparison value for errors.Is checks by code.
func Sentinel(code ErrorCode) error {
	return &Error{Code: code}
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithParams records the offending parameter names, sorted and de-duplicated.
func (e *Error) WithParams(params ...string) *Error {
	seen := make(map[string]struct{}, len(e.Params)+len(params))
	merged := make([]string, 0, len(e.Params)+len(params))
	for _, p := range append(append([]string{}, e.Params...), params...) {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		merged = append(merged, p)
	}
	sort.Strings(merged)
	e.Params = merged
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// As returns the first *Error in err's chain, wrapping unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, Sentinel(code))
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// Descriptor is the wire form of an error carried inside tool results.
type Descriptor struct {
	Kind    ErrorCode `json:"kind"`
	Message string    `json:"message"`
	Params  []string  `json:"params,omitempty"`
}

// Descriptor converts the error into its wire form.
func (e *Error) Descriptor() Descriptor {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return Descriptor{Kind: e.Code, Message: msg, Params: e.Params}
}

// FromDescriptor rebuilds an Error from its wire form.
func FromDescriptor(d Descriptor) *Error {
	code := d.Kind
	if code == "" {
		code = CodeToolFailure
	}
	return New(code, d.Message, nil).WithParams(d.Params...)
}

func recoverableByDefault(code ErrorCode) bool {
	switch code {
	case CodeUnknownTool, CodeInvalidArguments, CodeToolFailure:
		return true
	default:
		return false
	}
}
