package session

import "errors"

var (
	// ErrInvalidConfig is returned by New when a size or duration is not positive.
	ErrInvalidConfig = errors.New("session: invalid table configuration")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("session: sweeper already started")
)
