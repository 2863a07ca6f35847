// Package apperr defines the gateway's closed error taxonomy (§7) and the
// HTTP status each code maps to. Domain layers (ledger, orchestrator,
// dialogstore, auth) return *Error values; internal/httpapi is the only
// layer that translates them into a response body.
package apperr

import (
	"errors"
	"net/http"
	"runtime/debug"
)

// Code is an uppercase tag from the taxonomy. It's what goes on the wire
// in the error body's "code" field.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInsufficientTokens Code = "INSUFFICIENT_TOKENS"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeLLMError           Code = "LLM_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeLLMTimeout         Code = "LLM_TIMEOUT"
)

// statusByCode is the fixed code→HTTP-status map from §7. Keep it private:
// callers ask an *Error for its status via Status(), they never need to
// look this table up themselves.
var statusByCode = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeInsufficientTokens: http.StatusPaymentRequired,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeLLMError:           http.StatusInternalServerError,
	CodeInternal:           http.StatusInternalServerError,
	CodeLLMTimeout:         http.StatusGatewayTimeout,
}

// Error is a typed domain failure carrying a taxonomy code, a human message,
// and an optional details bag (surfaced only for client-class errors or
// under the debug flag, per §4.7).
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// Stack is the creation-site stack trace for Internal/LLMError
	// failures (empty for every other taxonomy member). Always logged
	// structured with the request id; only written onto the wire when
	// the debug flag is on, per §"Stack traces".
	Stack string

	// cause, when set, is wrapped so %w / errors.Is/As still reaches it —
	// useful for logging the underlying DB or HTTP error without putting
	// it on the wire.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status this error's code maps to. Unknown codes
// (shouldn't happen — Code is a closed set) fall back to 500.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func WithDetails(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Convenience constructors for the taxonomy members used throughout the
// domain layer — these read better at call sites than apperr.New(apperr.CodeX, ...).

func Validation(msg string) *Error        { return New(CodeValidation, msg) }
func Unauthorized(msg string) *Error      { return New(CodeUnauthorized, msg) }
func InsufficientTokens(msg string) *Error { return New(CodeInsufficientTokens, msg) }
func Forbidden(msg string) *Error         { return New(CodeForbidden, msg) }
func NotFound(msg string) *Error          { return New(CodeNotFound, msg) }
func RateLimitExceeded(details map[string]any) *Error {
	return WithDetails(CodeRateLimitExceeded, "rate limit exceeded", details)
}
func LLMError(msg string, cause error) *Error { return withStack(Wrap(CodeLLMError, msg, cause)) }
func LLMTimeout(msg string) *Error            { return New(CodeLLMTimeout, msg) }
func Internal(msg string, cause error) *Error { return withStack(Wrap(CodeInternal, msg, cause)) }

// withStack captures the caller's stack trace for the two 500-class
// constructors — the only members of the taxonomy an operator would ever
// need a stack to diagnose.
func withStack(e *Error) *Error {
	e.Stack = string(debug.Stack())
	return e
}

// As is a thin wrapper over errors.As for the common case of "is this
// already one of our typed errors", used by the envelope's error mapper.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
