package publisher

import (
	"errors"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/mqtt"
)

// Domain-specific errors for the publisher.
var (
	// ErrBufferFull is returned when the broker is unreachable and the
	// outbound buffer had to drop its oldest record to accept a new one.
	// The new record is still queued.
	ErrBufferFull = errors.New("publisher: buffer full, oldest record dropped")

	// ErrClosed is returned by Publish after Stop.
	ErrClosed = errors.New("publisher: closed")

	// ErrEncode is returned when a record cannot be marshalled.
	ErrEncode = errors.New("publisher: cannot encode record")

	// ErrInvalidOptions is returned by New for missing or inconsistent options.
	ErrInvalidOptions = errors.New("publisher: invalid options")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("publisher: already started")
)

// IsRejected reports whether Publish refused the record itself, as opposed
// to the broker being unavailable. Such a record is never queued.
func IsRejected(err error) bool {
	return errors.Is(err, ErrEncode) || errors.Is(err, mqtt.ErrInvalidTopic)
}
