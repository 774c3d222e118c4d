package coap

import "errors"

// Decode errors. A datagram that fails with any of these is dropped
// without a reply, since its message ID cannot be trusted.
var (
	// ErrTruncated is returned when the fixed header or the token
	// cannot be read from the datagram.
	ErrTruncated = errors.New("coap: truncated message")

	// ErrUnsupportedVersion is returned when the version field is not 1.
	ErrUnsupportedVersion = errors.New("coap: unsupported version")

	// ErrMalformedOption is returned when an option delta or length
	// uses the reserved nibble, or the option overflows the datagram.
	ErrMalformedOption = errors.New("coap: malformed option")

	// ErrMalformedMessage is returned for other message format errors:
	// a token length above 8, an empty payload after the payload
	// marker, or an Empty message carrying data.
	ErrMalformedMessage = errors.New("coap: malformed message")
)

// Encode errors.
var (
	// ErrTokenTooLong is returned when encoding a token longer than 8 bytes.
	ErrTokenTooLong = errors.New("coap: token longer than 8 bytes")

	// ErrInvalidType is returned when encoding a message type above Reset.
	ErrInvalidType = errors.New("coap: invalid message type")

	// ErrOptionTooLong is returned when an option value exceeds the
	// largest length the option header can express.
	ErrOptionTooLong = errors.New("coap: option value too long")
)

// IsDecodeError reports whether err came from Decode rejecting the wire bytes.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrMalformedOption) ||
		errors.Is(err, ErrMalformedMessage)
}
