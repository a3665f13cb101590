package errors

import (
	"fmt"
	"maps"
)

// StructuredError is an error with metadata that's logged as slog fields, and
// an optional cause.
type StructuredError struct {
	err      error
	metadata map[string]any
	cause    error
}

// Error implements the error interface.
func (e StructuredError) Error() string {
	return e.err.Error()
}

// Unwrap returns the wrapped error and the cause, if any.
func (e StructuredError) Unwrap() []error {
	errs := []error{e.err}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Cause returns the cause of the error.
func (e StructuredError) Cause() error {
	return e.cause
}

// Metadata returns a copy of the metadata.
func (e StructuredError) Metadata() map[string]any {
	if e.metadata == nil {
		return nil
	}
	return maps.Clone(e.metadata)
}

// With attaches metadata to err as key/value pairs. Empty string values are
// omitted. If err is a *StructuredError its metadata is extended, and newer
// values replace older ones.
func With(err error, fields ...any) *StructuredError {
	serr := structured(err, fields)
	if prev, ok := err.(*StructuredError); ok {
		serr.cause = prev.cause
	}
	return serr
}

// WithCause is like With, but also sets the cause of the error.
func WithCause(err, cause error, fields ...any) *StructuredError {
	serr := structured(err, fields)
	serr.cause = cause
	return serr
}

func structured(err error, fields []any) *StructuredError {
	if len(fields)%2 != 0 {
		panic(fmt.Sprintf("odd number of metadata fields: %d", len(fields)))
	}

	serr := &StructuredError{err: err, metadata: map[string]any{}}
	if prev, ok := err.(*StructuredError); ok {
		serr.err = prev.err
		maps.Copy(serr.metadata, prev.metadata)
	}

	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			panic(fmt.Sprintf("metadata key %v is not a string", fields[i]))
		}
		if s, ok := fields[i+1].(string); ok && s == "" {
			continue
		}
		serr.metadata[key] = fields[i+1]
	}

	return serr
}
