// Package adminerrors holds the error taxonomy shared by every stage of a
// shard administration command, along with the mapping from those errors to
// process exit codes.
package adminerrors

import (
	"context"
	"errors"
)

var (
	ErrUnreachable       = errors.New("unreachable")
	ErrAuthDenied        = errors.New("auth denied")
	ErrInconsistent      = errors.New("inconsistent")
	ErrConflict          = errors.New("conflict")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrInitFailed        = errors.New("init failed")
	ErrStaleView         = errors.New("stale view")
	ErrRejected          = errors.New("rejected")
	ErrTimeout           = errors.New("timeout")
	ErrBrokerDown        = errors.New("broker down")
	ErrDriverSyncTimeout = errors.New("driver sync timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrUnexpected        = errors.New("unexpected")
)

var kinds = []error{
	ErrUnreachable,
	ErrAuthDenied,
	ErrInconsistent,
	ErrConflict,
	ErrSchemaMismatch,
	ErrVersionMismatch,
	ErrInitFailed,
	ErrStaleView,
	ErrRejected,
	ErrTimeout,
	ErrBrokerDown,
	ErrDriverSyncTimeout,
	ErrCancelled,
	ErrUnexpected,
}

// Error is a classified failure.  Kind is one of the sentinel errors above,
// Entity names the offending thing (a host, a database, a flag) when there is
// one, and Err is the underlying cause.
type Error struct {
	Kind   error
	Entity string
	Err    error
}

func New(kind error, entity string, cause error) *Error {
	return &Error{
		Kind:   kind,
		Entity: entity,
		Err:    cause,
	}
}

func Newf(kind error, entity string, msg string) *Error {
	return &Error{
		Kind:   kind,
		Entity: entity,
		Err:    errors.New(msg),
	}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Entity != "" {
		msg += "(" + e.Entity + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the sentinel classifying err.  Context cancellation is
// reported as ErrCancelled, anything unclassified as ErrUnexpected.
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}

	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}

	return ErrUnexpected
}

// EntityOf returns the entity of the outermost classified error in the chain.
func EntityOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Entity
	}
	return ""
}

// Stage names the part of a command a failure happened in.  It decides the
// exit code of every failure that is neither cancellation nor unexpected.
type Stage string

const (
	StageValidation   Stage = "validation"
	StageInit         Stage = "init"
	StageRegistration Stage = "registration"
	StageBrokerRoll   Stage = "broker roll"
	StageDriverSync   Stage = "driver sync"
)

// StageError tags an error with the stage it stopped the command in.
type StageError struct {
	Stage Stage
	Err   error
}

// WithStage tags err with stage, unless it was tagged already.
func WithStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := StageOf(err); ok {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage err was tagged with.
func StageOf(err error) (Stage, bool) {
	var staged *StageError
	if errors.As(err, &staged) {
		return staged.Stage, true
	}
	return "", false
}

const (
	ExitSuccess           = 0
	ExitValidation        = 1
	ExitInit              = 2
	ExitRegistration      = 3
	ExitBrokerRoll        = 4
	ExitDriverSyncTimeout = 5
	ExitUnexpected        = 10
	ExitCancelled         = 11
)

var stageExitCodes = map[Stage]int{
	StageValidation:   ExitValidation,
	StageInit:         ExitInit,
	StageRegistration: ExitRegistration,
	StageBrokerRoll:   ExitBrokerRoll,
	StageDriverSync:   ExitDriverSyncTimeout,
}

// ExitCode maps a terminal error to the process exit code of the command.
// Tagged errors exit with the code of their stage, untagged ones with the
// code of the stage their kind is raised in.
func ExitCode(err error) int {
	kind := KindOf(err)
	switch kind {
	case nil:
		return ExitSuccess
	case ErrCancelled:
		return ExitCancelled
	case ErrUnexpected:
		return ExitUnexpected
	}

	if stage, ok := StageOf(err); ok {
		if code, ok := stageExitCodes[stage]; ok {
			return code
		}
	}

	switch kind {
	case ErrUnreachable, ErrAuthDenied, ErrInconsistent,
		ErrConflict, ErrSchemaMismatch, ErrVersionMismatch:
		return ExitValidation
	case ErrInitFailed:
		return ExitInit
	case ErrStaleView, ErrRejected, ErrTimeout:
		return ExitRegistration
	case ErrBrokerDown:
		return ExitBrokerRoll
	case ErrDriverSyncTimeout:
		return ExitDriverSyncTimeout
	}
	return ExitUnexpected
}

// KindByName returns the sentinel whose message is name, for decoding kinds
// carried over the wire.  Unknown names decode as ErrUnexpected.
func KindByName(name string) error {
	for _, kind := range kinds {
		if kind.Error() == name {
			return kind
		}
	}
	return ErrUnexpected
}
