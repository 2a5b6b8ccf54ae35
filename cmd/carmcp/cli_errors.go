// Package main implements the carmcp CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jllopis/carmcp/pkg/errors"
)

// CLIError wraps an Error with a hint for the user.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(e *errors.Error, hint string) *CLIError {
	return &CLIError{Err: e, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Unwrap exposes the typed error.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewInvalidArgumentError creates an invalid argument error.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg)
	return NewCLIError(e, "run 'carmcp help' for usage information")
}

// NewConfigError creates a configuration error.
func NewConfigError(err error, configPath string) *CLIError {
	e := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	if typed := errors.As(err); typed.Code == errors.CodeInvalidInput {
		e = e.WithParams(typed.Params...)
	}
	hint := "check your configuration values and CARMCP_* environment variables"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(e, hint)
}

// hintFor returns the remedy suggested for an error code.
func hintFor(e *errors.Error) string {
	switch e.Code {
	case errors.CodeMissingCredential:
		if env := credentialEnv(e); env != "" {
			return "export " + env + " or set llm.api_key"
		}
		return "set llm.api_key or the provider's API key variable"
	case errors.CodeUnknownScenario:
		if known, ok := e.Context["known"].([]string); ok && len(known) > 0 {
			return "available scenarios: " + strings.Join(known, ", ")
		}
		return "run 'carmcp scenarios' to list available scenarios"
	case errors.CodeServerUnreachable:
		return "check server.command or server.url, or retry with --in-process"
	case errors.CodeIterationLimit:
		return "raise --max-iterations or simplify the prompt"
	case errors.CodeProviderError:
		return "check the model name, base URL and provider status"
	case errors.CodeUnknownTool:
		return "run 'carmcp tools' to list available tools"
	case errors.CodeInvalidArguments:
		return "check the arguments against the tool schema"
	default:
		return ""
	}
}

func credentialEnv(e *errors.Error) string {
	switch e.Context["provider"] {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	case "qwen":
		return "DASHSCOPE_API_KEY"
	}
	for _, env := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "DASHSCOPE_API_KEY"} {
		if strings.Contains(e.Message, env) {
			return env
		}
	}
	return ""
}

type errorPayload struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Params  []string         `json:"params,omitempty"`
	Hint    string           `json:"hint,omitempty"`
}

// printError writes err to w, as a JSON object when asJSON is set.
func printError(w io.Writer, err error, asJSON bool) {
	var hint string
	var typed *errors.Error
	if cliErr, ok := err.(*CLIError); ok {
		typed, hint = cliErr.Err, cliErr.Hint
	} else {
		typed = errors.As(err)
	}
	if hint == "" {
		hint = hintFor(typed)
	}

	if asJSON {
		payload, _ := json.Marshal(map[string]errorPayload{"error": {
			Code:    typed.Code,
			Message: typed.Descriptor().Message,
			Params:  typed.Params,
			Hint:    hint,
		}})
		fmt.Fprintln(w, string(payload))
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", typed.Code, typed.Descriptor().Message)
	if len(typed.Params) > 0 {
		fmt.Fprintf(w, "  Params: %s\n", strings.Join(typed.Params, ", "))
	}
	if hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", hint)
	}
}
