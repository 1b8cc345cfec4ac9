package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a requested record does not exist. It maps to a
// 404-equivalent at the boundary.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConflictError indicates a business-rule violation (409-equivalent). Kind is
// a stable machine-readable identifier; Message is the human-readable reason.
type ConflictError struct {
	Kind    string
	Message string
}

func (e ConflictError) Error() string { return e.Message }

// InvalidStateError indicates an operation was attempted against a record in
// a state that does not permit it, such as cancelling a terminal job.
type InvalidStateError struct {
	Kind    string
	Message string
}

func (e InvalidStateError) Error() string { return e.Message }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var is InvalidStateError
	return errors.As(err, &is)
}
