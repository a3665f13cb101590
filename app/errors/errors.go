package errors

import (
	"errors"
	"log/slog"
	"sort"
)

// Log logs an error using the default slog logger, extracting metadata if it's
// a StructuredError, and the cause and hint if it's a RuntimeError.
func Log(err error) {
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		args := []any{}
		if rerr.cause != nil {
			args = append(args, "cause", rerr.cause)
			var serr *StructuredError
			if errors.As(rerr.cause, &serr) {
				args = append(args, metadataArgs(serr)...)
			}
		}
		if rerr.hint != "" {
			args = append(args, "hint", rerr.hint)
		}
		slog.Error(rerr.msg, args...)
		return
	}

	var serr *StructuredError
	if !errors.As(err, &serr) {
		slog.Error(err.Error())
		return
	}

	args := make([]any, 0, len(serr.metadata)*2+2)

	cause := serr.metadata["cause"]
	if serr.cause != nil {
		cause = serr.cause
	}
	if cause != nil {
		args = append(args, "cause", cause)
	}
	args = append(args, metadataArgs(serr)...)

	slog.Error(serr.Error(), args...)
}

func metadataArgs(serr *StructuredError) []any {
	keys := make([]string, 0, len(serr.metadata))
	for k := range serr.metadata {
		if k != "cause" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, serr.metadata[k])
	}

	return args
}
