package bridge

import "errors"

// Server errors.
var (
	// ErrInvalidOptions is returned by NewServer when a required
	// dependency is missing.
	ErrInvalidOptions = errors.New("bridge: invalid options")

	// ErrBind is returned by ListenAndServe when the socket cannot be opened.
	ErrBind = errors.New("bridge: cannot bind socket")

	// ErrRead is returned by Serve when the socket fails for a reason
	// other than shutdown.
	ErrRead = errors.New("bridge: socket read failed")

	// ErrAlreadyServing is returned when Serve is called twice.
	ErrAlreadyServing = errors.New("bridge: already serving")
)
