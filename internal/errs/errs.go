// Package errs tags errors with a coarse kind so transport layers can map
// failures to status codes without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindNotFound          Kind = "not_found"
	KindUnauthorizedConf  Kind = "unauthorized_configuration"
	KindUpstreamFailure   Kind = "upstream_failure"
	KindMarketLocked      Kind = "market_locked"
	KindConflict          Kind = "conflict"
	KindInternal          Kind = "internal_error"
)

// Error is an error with a kind and optional structured detail.
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithDetail builds a kinded error carrying structured detail for the
// transport layer (e.g. the market-lock reason payload).
func WithDetail(kind Kind, msg string, detail map[string]any) error {
	return &Error{Kind: kind, Msg: msg, Detail: detail}
}

// KindOf extracts the kind, defaulting to internal_error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the structured detail attached to err, if any.
func DetailOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}
