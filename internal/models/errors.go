package models

import "errors"

var (
	// ErrNotFound: referenced session or participant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: unique key already taken (room name, active join).
	ErrConflict = errors.New("conflict")
	// ErrForbidden: caller is not the session owner.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid: request failed validation before any mutation.
	ErrInvalid = errors.New("invalid input")
	// ErrNotActive: operation requires the session to be live.
	ErrNotActive = errors.New("session not active")
)
