// Package errors holds the sentinel errors shared by the lock, catalog and
// adapter packages.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotAuthenticated is returned when an operation needs a signed-in identity.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrForbidden is returned when the signed-in identity lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a record does not exist in the backend.
	ErrNotFound = errors.New("not found")
)
