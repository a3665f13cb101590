package errors

import "fmt"

// RuntimeError is an error that occurred while running a command, which is
// shown to the user with an optional hint of how to resolve it.
type RuntimeError struct {
	msg   string
	cause error
	hint  string
}

// NewRuntimeError returns a new RuntimeError. cause and hint are optional.
func NewRuntimeError(msg string, cause error, hint string) *RuntimeError {
	return &RuntimeError{msg: msg, cause: cause, hint: hint}
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.msg, e.cause)
}

// Unwrap allows errors.Is and errors.As to work.
func (e *RuntimeError) Unwrap() error {
	return e.cause
}

// Message returns the error message without the cause.
func (e *RuntimeError) Message() string {
	return e.msg
}

// Hint returns the hint of how to resolve the error.
func (e *RuntimeError) Hint() string {
	return e.hint
}
