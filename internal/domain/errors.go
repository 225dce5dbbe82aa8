package domain

import "errors"

var (
	// ErrNotFound is returned by stores when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by stores when a conditional write loses.
	ErrConflict = errors.New("conflict")
)
