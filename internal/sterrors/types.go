package sterrors

import (
	"errors"
	"fmt"
)

// Code classifies errors for wire serialization and retry decisions.
type Code string

const (
	CodeInvalidParameters      Code = "invalid_parameters"
	CodeSessionNotFound        Code = "session_not_found"
	CodeBlockerNotFound        Code = "blocker_not_found"
	CodeSymbolNotFound         Code = "symbol_not_found"
	CodeDocumentNotFound       Code = "document_not_found"
	CodeActionNotFound         Code = "action_not_found"
	CodeSnapshotNotFound       Code = "snapshot_not_found"
	CodeInvalidState           Code = "invalid_state"
	CodeConflict               Code = "conflict"
	CodeStorage                Code = "storage_error"
	CodeExternalTool           Code = "external_tool_error"
	CodeTimeout                Code = "timeout"
	CodeAuthenticationRequired Code = "authentication_required"
	CodeAuthenticationFailed   Code = "authentication_failed"
	CodeUnknownTool            Code = "unknown_tool"
	CodeUnknownTopic           Code = "unknown_topic"
	CodeUnknownMessageType     Code = "unknown_message_type"
	CodeInternal               Code = "internal_error"
)

// Error is the typed error carried across component boundaries. The tool
// dispatcher serializes it as {code, message, suggestions} on the wire.
type Error struct {
	Code        Code
	Message     string
	Fields      []string // offending field names for invalid_parameters
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithSuggestions attaches actionable hints and returns the same error.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// As extracts a typed *Error from an error chain.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf classifies an arbitrary error. Untyped errors map to internal_error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeStorage, CodeTimeout:
		return true
	default:
		return false
	}
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParameters reports a schema or domain-range violation. The offending
// field names are returned to the caller.
func InvalidParameters(message string, fields ...string) *Error {
	return &Error{Code: CodeInvalidParameters, Message: message, Fields: fields}
}

func SessionNotFound(id string) *Error {
	return newError(CodeSessionNotFound, "session not found: %s", id)
}

func BlockerNotFound(id string) *Error {
	return newError(CodeBlockerNotFound, "blocker not found: %s", id)
}

func SymbolNotFound(concept string) *Error {
	return newError(CodeSymbolNotFound, "symbol not found: %s", concept)
}

func DocumentNotFound(path string) *Error {
	return newError(CodeDocumentNotFound, "document not found: %s", path)
}

func ActionNotFound(id string) *Error {
	return newError(CodeActionNotFound, "quick action not found: %s", id)
}

func SnapshotNotFound(id string) *Error {
	return newError(CodeSnapshotNotFound, "reality snapshot not found: %s", id)
}

func InvalidState(format string, args ...any) *Error {
	return newError(CodeInvalidState, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

// Storage wraps a transaction or driver failure. Transient; callers may retry.
func Storage(err error) *Error {
	return &Error{Code: CodeStorage, Message: "storage operation failed", Err: err}
}

// ExternalTool wraps a VCS or test subprocess failure, keeping captured stderr.
func ExternalTool(message string, stderr string, err error) *Error {
	e := &Error{Code: CodeExternalTool, Message: message, Err: err}
	if stderr != "" {
		e.Suggestions = append(e.Suggestions, "stderr: "+stderr)
	}
	return e
}

func Timeout(format string, args ...any) *Error {
	return newError(CodeTimeout, format, args...)
}

func AuthenticationRequired() *Error {
	return newError(CodeAuthenticationRequired, "authentication required")
}

func AuthenticationFailed() *Error {
	return newError(CodeAuthenticationFailed, "authentication failed")
}

func UnknownTool(name string) *Error {
	return newError(CodeUnknownTool, "unknown tool: %s", name)
}

func UnknownTopic(topic string) *Error {
	return newError(CodeUnknownTopic, "unknown topic: %s", topic)
}

func UnknownMessageType(kind string) *Error {
	return newError(CodeUnknownMessageType, "unknown message type: %s", kind)
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}
