// Package apperr defines the error kinds the coordinator surfaces at its
// boundary (HTTP responses, event-channel nacks), mirroring the
// sentinel-error style used elsewhere in the stack but adding a Kind tag
// so the facade can translate any internal error into one of a small,
// stable set of external codes without string-matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindBadRequest Kind = "bad_request"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error pairs a classified Kind with an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func BadRequest(msg string) *Error { return New(KindBadRequest, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Timeout(msg string) *Error    { return New(KindTimeout, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}

// KindOf classifies err, defaulting to internal for anything not already
// tagged — the rule the facade applies to store/transport failures that
// bubble up untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}
