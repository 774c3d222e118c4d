package translate

import "errors"

// Validation errors. A confirmable request failing with any of these is
// answered with a reset; a non-confirmable one is dropped.
var (
	// ErrNotAnObject is returned when the payload's top level is not a map.
	ErrNotAnObject = errors.New("translate: payload is not an object")

	// ErrMalformedPath is returned when the resource path does not split
	// into a measurement and an identifier.
	ErrMalformedPath = errors.New("translate: malformed resource path")

	// ErrMalformedPayload is returned when the payload is not a valid
	// JSON or CBOR document.
	ErrMalformedPayload = errors.New("translate: malformed payload")

	// ErrUnsupportedFormat is returned for content formats other than
	// JSON, CBOR and text/plain.
	ErrUnsupportedFormat = errors.New("translate: unsupported content format")
)

// ErrInvalidMapping is returned by New when the mapping is inconsistent.
var ErrInvalidMapping = errors.New("translate: invalid mapping")

// IsValidationError reports whether err rejects the payload or path.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNotAnObject) ||
		errors.Is(err, ErrMalformedPath) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnsupportedFormat)
}
