// Typed runtime errors and their JSON-RPC error-code mapping.
// The code taxonomy must stay in sync with the control-plane bridge.

package serve

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes used on the wire.
const (
	CodeInvalidRequest = -32600 // malformed request, buffer overflow
	CodeInvalidParams  = -32602 // validation failures
	CodeParseError     = -32700
	CodeModelLoad      = -32001
	CodeGeneration     = -32002
	CodeTokenizer      = -32003
	CodeGuidance       = -32004
	CodeModelNotLoaded = -32005
	CodeInternal       = -32099 // generic internal error, message scrubbed
)

// RuntimeError is the base error for all domain failures crossing the RPC
// boundary. Code selects the JSON-RPC error code; ModelID is carried into the
// error data when set.
type RuntimeError struct {
	Code    int
	Message string
	ModelID string
}

func (e *RuntimeError) Error() string { return e.Message }

// ErrModelNotLoaded reports use of a model that has not been loaded.
func ErrModelNotLoaded(modelID string) *RuntimeError {
	return &RuntimeError{
		Code:    CodeModelNotLoaded,
		Message: fmt.Sprintf("Model not loaded: %s", modelID),
		ModelID: modelID,
	}
}

// ErrModelLoad reports a model load failure.
func ErrModelLoad(modelID, reason string) *RuntimeError {
	return &RuntimeError{
		Code:    CodeModelLoad,
		Message: fmt.Sprintf("Failed to load model %s: %s", modelID, reason),
		ModelID: modelID,
	}
}

// ErrGeneration reports a token generation failure.
func ErrGeneration(modelID, reason string) *RuntimeError {
	return &RuntimeError{
		Code:    CodeGeneration,
		Message: fmt.Sprintf("Generation failed for %s: %s", modelID, reason),
		ModelID: modelID,
	}
}

// ErrTokenizer reports a tokenization or detokenization failure.
func ErrTokenizer(modelID, reason string) *RuntimeError {
	return &RuntimeError{
		Code:    CodeTokenizer,
		Message: fmt.Sprintf("Tokenizer error for %s: %s", modelID, reason),
		ModelID: modelID,
	}
}

// ErrGuidance reports a structured-output guidance failure.
func ErrGuidance(modelID, reason string) *RuntimeError {
	return &RuntimeError{
		Code:    CodeGuidance,
		Message: fmt.Sprintf("Guidance error for %s: %s", modelID, reason),
		ModelID: modelID,
	}
}

// ValidationError marks caller-authored parameter failures. Its message is
// safe to pass through the wire verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Sentinel errors for queue and scheduler lifecycles.
var (
	ErrQueueEmpty         = errors.New("priority queue is empty")
	ErrQueueClosed        = errors.New("priority queue is closed")
	ErrSchedulerShutdown  = errors.New("gpu scheduler is shutting down")
	ErrStreamBackpressure = errors.New("consumer too slow")
)
