package service

import (
	"errors"
	"fmt"

	"github.com/ccchow/ClawUI-sub001/cmd/clawui/repository"
)

// Kind classifies an error for the HTTP boundary
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindNotFound
	KindConflict
	KindPrecondition
	KindExternalFailure
)

// Error is a service-layer error with a boundary classification
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a service error
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef builds a formatted service error
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error, translating repository sentinels
func Wrap(err error, msg string) *Error {
	return &Error{Kind: kindOf(err), Msg: msg, Err: err}
}

// KindOf extracts the boundary classification of any error
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return kindOf(err)
}

func kindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrConflict):
		return KindConflict
	case errors.Is(err, repository.ErrForeignKey), errors.Is(err, repository.ErrInvalid):
		return KindBadRequest
	default:
		return KindInternal
	}
}
