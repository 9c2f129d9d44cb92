// Package core provides the fundamental building blocks of the
// nefertari-mongodb document-mapping layer.
// This file defines the typed error taxonomy exposed to the resource
// framework: bad request, not found and conflict failures, plus the
// duplicate-key marker drivers use to signal uniqueness violations.
package core

import (
	"errors"
	"fmt"
)

// Marker errors wrapped by drivers so the core can classify storage
// failures without depending on driver-specific error types.
var (
	// ErrDuplicateKey marks a uniqueness-constraint violation. Drivers
	// must wrap their native duplicate-key errors with this sentinel;
	// storage errors without it are never reinterpreted as conflicts.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidQuery marks a query the store rejected as malformed,
	// e.g. a field projection mixing inclusion and exclusion.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrBadValue marks a query parameter value that could not be
	// coerced to the target field's type.
	ErrBadValue = errors.New("bad query value")

	// ErrDeleteDenied is returned when a delete rule with the deny
	// action blocks removal of a referenced document.
	ErrDeleteDenied = errors.New("delete denied: document is still referenced")
)

// BadRequestError reports malformed or disallowed input: unknown query
// parameters, projection conflicts, missing incremental-update params,
// or failed document validation.
type BadRequestError struct {
	Msg  string
	Data error // underlying cause, if any
}

func (e *BadRequestError) Error() string { return e.Msg }

func (e *BadRequestError) Unwrap() error { return e.Data }

// BadRequestf builds a BadRequestError from a format string.
func BadRequestf(format string, args ...any) *BadRequestError {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a lookup that matched zero documents when the
// caller asked for a failure on empty results.
type NotFoundError struct {
	Msg         string
	Explanation string
}

func (e *NotFoundError) Error() string {
	if e.Explanation != "" {
		return e.Msg + ": " + e.Explanation
	}
	return e.Msg
}

// NotFoundf builds a NotFoundError from a format string.
func NotFoundf(format string, args ...any) *NotFoundError {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a uniqueness violation on save or update. It
// always names the document type whose constraint was violated.
type ConflictError struct {
	TypeName string
	Data     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource `%s` already exists", e.TypeName)
}

func (e *ConflictError) Unwrap() error { return e.Data }

// IsBadRequest reports whether err is a BadRequestError.
func IsBadRequest(err error) bool {
	var e *BadRequestError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}
