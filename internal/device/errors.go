package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when an identifier has never been seen.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrNotStarted is returned when the recorder is used before Start.
	ErrNotStarted = errors.New("device: recorder not started")
)
