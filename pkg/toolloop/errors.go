package toolloop

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jllopis/carmcp/pkg/errors"
)

// WrapProviderError wraps a model call failure. Credential errors keep their
// code.
func WrapProviderError(err error, provider, model string) *errors.Error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) == errors.CodeMissingCredential {
		return errors.As(err)
	}
	return errors.New(errors.CodeProviderError, "model call failed", err).
		WithContext("provider", provider).
		WithContext("model", model).
		WithRecoverable(true)
}

// WrapTransportError wraps a failure of the tool channel. Context
// cancellation is returned unchanged by the caller and never reaches here.
func WrapTransportError(err error, toolName string) *errors.Error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) == errors.CodeServerUnreachable {
		return errors.As(err)
	}
	return errors.New(errors.CodeServerUnreachable, "tool channel failed", err).
		WithContext("tool", toolName).
		WithRecoverable(false)
}

// NewIterationLimitError reports that the model kept requesting tools for
// maxIterations turns.
func NewIterationLimitError(maxIterations int) *errors.Error {
	return errors.New(errors.CodeIterationLimit,
		fmt.Sprintf("stopped after %d model turns still requesting tools", maxIterations), nil).
		WithContext("max_iterations", maxIterations).
		WithRecoverable(false)
}

// NewArgumentsError reports tool call arguments that are not a JSON object.
func NewArgumentsError(toolName string, cause error) *errors.Error {
	return errors.New(errors.CodeInvalidArguments, "tool arguments are not a JSON object", cause).
		WithContext("tool", toolName).
		WithRecoverable(true)
}

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
