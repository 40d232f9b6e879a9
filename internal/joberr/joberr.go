// Package joberr defines the error kinds a job can fail with. Kinds drive
// retry decisions at the external-capability boundary and are persisted with
// the failure message in the job result.
package joberr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindTransient         Kind = "transient_external"
	KindCredential        Kind = "credential"
	KindChunkMismatch     Kind = "chunk_mismatch"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindNotFound          Kind = "not_found"
	KindTimeout           Kind = "timeout"
	KindInvalidRequest    Kind = "invalid_request"
	KindInternal          Kind = "internal"
)

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, joberr.ErrNotFound)
// works for wrapped errors built with New or Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrTransient         = &Error{Kind: KindTransient}
	ErrCredential        = &Error{Kind: KindCredential}
	ErrChunkMismatch     = &Error{Kind: KindChunkMismatch}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
)

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf classifies err. Deadline expiry is a timeout regardless of how it
// was wrapped; untagged errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Message renders err the way it is stored in a failed job's result.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", KindOf(err), err.Error())
}
