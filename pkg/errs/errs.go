// Package errs defines the error taxonomy shared by the execution pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindAdmissionTimeout  Kind = "ADMISSION_TIMEOUT"
	KindTransport         Kind = "TRANSPORT"
	KindExchangeRejection Kind = "EXCHANGE_REJECTION"
	KindReconciliationGap Kind = "RECONCILIATION_GAP"
	KindPlannerInfeasible Kind = "PLANNER_INFEASIBLE"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidState      Kind = "INVALID_STATE"
	KindConfig            Kind = "CONFIG"
	KindInternal          Kind = "INTERNAL"
)

// Sentinels for errors.Is matching on kind alone.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAdmissionTimeout  = &Error{Kind: KindAdmissionTimeout}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrExchangeRejection = &Error{Kind: KindExchangeRejection}
	ErrReconciliationGap = &Error{Kind: KindReconciliationGap}
	ErrPlannerInfeasible = &Error{Kind: KindPlannerInfeasible}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrConfig            = &Error{Kind: KindConfig}
)

// Error carries a Kind, a stable machine-readable Code and a message.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

// New creates an error of the given kind.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and code to an underlying error.
func Wrap(kind Kind, code string, err error, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	var s string
	switch {
	case e.Code != "" && e.Msg != "":
		s = fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Msg != "":
		s = e.Msg
	case e.Code != "":
		s = e.Code
	default:
		s = string(e.Kind)
	}
	if e.Err != nil {
		return s + ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the failure happened in transport and may be retried.
func Retryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransport)
}
