package apperr

import (
	"errors"
	"fmt"
)

// Numeric error codes shared by every component boundary. The response
// envelope carries them verbatim; 0 means success.
const (
	CodeBadRequest    = 400
	CodeAuthFailed    = 401
	CodeNotFound      = 404
	CodeTimeout       = 408
	CodeGone          = 410
	CodeUnprocessable = 422
	CodeLocked        = 423
	CodeRateLimited   = 429
	CodeInternal      = 500
	CodeUnavailable   = 503
)

// Error is the taxonomy error every component returns at its boundary.
// Underlying store/transport causes are attached but never shown to callers.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with the given code.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func BadRequest(msg string) *Error    { return New(CodeBadRequest, msg) }
func AuthFailed(msg string) *Error    { return New(CodeAuthFailed, msg) }
func NotFound(msg string) *Error      { return New(CodeNotFound, msg) }
func Timeout(msg string) *Error       { return New(CodeTimeout, msg) }
func Gone(msg string) *Error          { return New(CodeGone, msg) }
func Unprocessable(msg string) *Error { return New(CodeUnprocessable, msg) }
func Locked(msg string) *Error        { return New(CodeLocked, msg) }
func RateLimited(msg string) *Error   { return New(CodeRateLimited, msg) }
func Internal(msg string) *Error      { return New(CodeInternal, msg) }
func Unavailable(msg string) *Error   { return New(CodeUnavailable, msg) }

// CodeOf extracts the taxonomy code from err, defaulting to 500 for
// unclassified faults.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf extracts the caller-facing message from err without leaking the
// underlying cause.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// Envelope is the uniform response shape: code 0 on success, a taxonomy code
// plus message otherwise.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK wraps a successful payload.
func OK(data any) Envelope {
	return Envelope{Code: 0, Message: "ok", Data: data}
}

// FromError maps err into a response envelope.
func FromError(err error) Envelope {
	return Envelope{Code: CodeOf(err), Message: MessageOf(err)}
}
