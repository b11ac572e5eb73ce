package models

import "errors"

// Error taxonomy shared by every component. Callers wrap these with %w and
// test them with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidContent       = errors.New("invalid content")
	ErrInvalidGroupSize     = errors.New("invalid group size")
	ErrAlreadyInCall        = errors.New("already in call")
	ErrConflict             = errors.New("conflicting concurrent update")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnavailable          = errors.New("storage unavailable")

	// ErrTransient marks storage failures that are worth retrying.
	ErrTransient = errors.New("transient storage error")
)
