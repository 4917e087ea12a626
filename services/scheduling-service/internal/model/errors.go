package model

import "errors"

var (
	ErrParseFailure        = errors.New("could not interpret date or time")
	ErrConflict            = errors.New("time slot conflicts with another appointment")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidSlot         = errors.New("requested slot is not bookable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("appointment not found")
	ErrAuthExpired         = errors.New("calendar authorization expired")
	ErrNotConnected        = errors.New("calendar not connected")
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
)

// Retryable reports whether a caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
