package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.hackfix.me/dictstep/db/types"
	"go.hackfix.me/dictstep/step"
	"go.hackfix.me/dictstep/step/registry"
	"go.hackfix.me/dictstep/step/selector"
)

// DiscoveryError is returned when steps couldn't be discovered.
type DiscoveryError = registry.DiscoveryError

// ConnectionError is returned when the target database couldn't be reached or
// classified. No changes were made when it's returned.
type ConnectionError struct {
	Dialect types.Dialect
	Err     error
}

// Error returns a string representation of the error.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s database failed: %s", e.Dialect, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Phase is the phase of a migration run an ApplicationError occurred in.
type Phase string

// Migration run phases.
const (
	PhaseReadModel   Phase = "read model"
	PhaseInstantiate Phase = "instantiate"
	PhaseApply       Phase = "apply"
	PhaseCommit      Phase = "commit"
)

// ApplicationError is returned when reading the database model, instantiating
// or applying a step failed. All changes of the run are rolled back when it's
// returned. Step and Index are only set for failures of a specific step.
type ApplicationError struct {
	Phase Phase
	Step  step.Key
	Index int
	Err   error
}

// Error returns a string representation of the error.
func (e *ApplicationError) Error() string {
	if e.Step.Name == "" {
		return fmt.Sprintf("%s failed: %s", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s failed for step %s (#%d): %s", e.Phase, e.Step, e.Index+1, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ApplicationError) Unwrap() error {
	return e.Err
}

// ErrorKind identifies the type of an error in an ErrorRecord.
type ErrorKind string

// Error kinds.
const (
	KindDiscovery   ErrorKind = "discovery"
	KindConnection  ErrorKind = "connection"
	KindApplication ErrorKind = "application"
	KindLocked      ErrorKind = "locked"
	KindUnmatched   ErrorKind = "unmatched"
	KindOther       ErrorKind = "other"
)

// ErrorRecord is the plain value form of an engine error, used to send errors
// across process boundaries without losing their type and context.
type ErrorRecord struct {
	Kind    ErrorKind
	Message string
	// Cause is the message of the underlying error.
	Cause    string
	Deadline bool
	Canceled bool

	Module  string
	Dialect types.Dialect
	Phase   Phase
	Step    step.Key
	Index   int
	Prefix  string
	Holder  string
	Since   time.Time
	Keys    []step.Key
}

// NewErrorRecord converts err into an ErrorRecord. It returns nil if err is nil.
func NewErrorRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}

	rec := &ErrorRecord{
		Kind:     KindOther,
		Message:  err.Error(),
		Cause:    err.Error(),
		Deadline: errors.Is(err, context.DeadlineExceeded),
		Canceled: errors.Is(err, context.Canceled),
	}

	var (
		derr *DiscoveryError
		cerr *ConnectionError
		aerr *ApplicationError
		lerr *types.LockedError
		uerr *selector.UnmatchedError
	)
	switch {
	case errors.As(err, &derr):
		rec.Kind = KindDiscovery
		rec.Module = derr.Module
		rec.Cause = causeMsg(derr.Err)
	case errors.As(err, &cerr):
		rec.Kind = KindConnection
		rec.Dialect = cerr.Dialect
		rec.Cause = causeMsg(cerr.Err)
	case errors.As(err, &lerr):
		rec.Kind = KindLocked
		rec.Prefix = lerr.Prefix
		rec.Holder = lerr.Holder
		rec.Since = lerr.Since
	case errors.As(err, &aerr):
		rec.Kind = KindApplication
		rec.Phase = aerr.Phase
		rec.Step = aerr.Step
		rec.Index = aerr.Index
		rec.Cause = causeMsg(aerr.Err)
	case errors.As(err, &uerr):
		rec.Kind = KindUnmatched
		rec.Keys = uerr.Keys
	}

	return rec
}

// Err rebuilds the typed error described by the record.
func (r *ErrorRecord) Err() error {
	if r == nil {
		return nil
	}

	cause := &remoteError{msg: r.Cause}
	switch {
	case r.Deadline:
		cause.is = context.DeadlineExceeded
	case r.Canceled:
		cause.is = context.Canceled
	}

	switch r.Kind {
	case KindDiscovery:
		return &DiscoveryError{Module: r.Module, Err: cause}
	case KindConnection:
		return &ConnectionError{Dialect: r.Dialect, Err: cause}
	case KindApplication:
		return &ApplicationError{Phase: r.Phase, Step: r.Step, Index: r.Index, Err: cause}
	case KindLocked:
		return &types.LockedError{Prefix: r.Prefix, Holder: r.Holder, Since: r.Since}
	case KindUnmatched:
		return &selector.UnmatchedError{Keys: r.Keys}
	}

	cause.msg = r.Message
	return cause
}

func causeMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// remoteError is an error received from another process.
type remoteError struct {
	msg string
	is  error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.is
}
