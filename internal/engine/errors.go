package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an inference failure for callers that map it to a status
// code or exit status.
type Kind string

const (
	KindModelUnavailable    Kind = "ModelUnavailable"
	KindInvalidInput        Kind = "InvalidInput"
	KindInsufficientSensors Kind = "InsufficientSensors"
	KindPredictionFailure   Kind = "PredictionFailure"
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err; anything untyped is a PredictionFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPredictionFailure
}

// InvalidInput wraps a parse or decode error from a boundary.
func InvalidInput(err error) error {
	return newError(KindInvalidInput, err)
}
