// Package apperr holds the sentinel errors shared across service, API and client layers.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidCaseID = errors.New("invalid case id")
	ErrInvalidPath   = errors.New("invalid field path")
	ErrEmptyPatch    = errors.New("empty patch")
)
