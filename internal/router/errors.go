package router

import "fmt"

// Error codes for transport-visible failures (spec's error taxonomy).
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeBlocked    = "blocked"
	CodeTimeout    = "timeout"
	CodeProvider   = "provider_error"
	CodeInternal   = "internal"
)

// Error is a structured handler failure. Handlers may return one in
// place of a bare error; either way the caller sees {"error": message},
// but a structured Error also carries its code and detail.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// ValidationError builds a CodeValidation Error for a missing or
// malformed parameter.
func ValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError builds a CodeNotFound Error.
func NotFoundError(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// errorResult renders err as a handler response. Structured Errors
// include their code so clients can switch on it.
func errorResult(err error) map[string]any {
	if re, ok := err.(*Error); ok {
		out := map[string]any{"error": re.Error(), "code": re.Code}
		return out
	}
	return map[string]any{"error": err.Error()}
}
