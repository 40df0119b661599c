// Package errors implements the storage core's error taxonomy: a small
// set of Kinds the caller dispatches on, rather than distinct Go types
// per failure. See spec.md §7.
package errors

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindBadConfig Kind = iota
	KindBadDatabase
	KindBadRequest
	KindUiaa
	KindForbidden
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindBadConfig:
		return "BadConfig"
	case KindBadDatabase:
		return "BadDatabase"
	case KindBadRequest:
		return "BadRequest"
	case KindUiaa:
		return "Uiaa"
	case KindForbidden:
		return "Forbidden"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error is the concrete error value carried through the storage layer.
// MatrixCode is only populated for KindBadRequest, e.g. "M_USER_IN_USE".
type Error struct {
	Kind       Kind
	MatrixCode string
	Message    string
	Wrapped    error
}

func (e *Error) Error() string {
	if e.MatrixCode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.MatrixCode, e.Message)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func BadConfig(msg string) error {
	return &Error{Kind: KindBadConfig, Message: msg}
}

// BadDatabase wraps a decode failure that must never be silently
// swallowed: invalid UTF-8 in a user id, a wrong-length integer, an
// unknown enum tag.
func BadDatabase(err error) error {
	return &Error{Kind: KindBadDatabase, Message: "corrupt on-disk representation", Wrapped: err}
}

func BadRequest(matrixCode, msg string) error {
	return &Error{Kind: KindBadRequest, MatrixCode: matrixCode, Message: msg}
}

func Uiaa(msg string) error {
	return &Error{Kind: KindUiaa, Message: msg}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
