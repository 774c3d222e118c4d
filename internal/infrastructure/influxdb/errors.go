package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when the mirror is switched off.
	ErrDisabled = errors.New("influxdb: mirror disabled")

	// ErrUnreachable means the server did not answer a ping, either at
	// Connect or in HealthCheck.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrClosed is returned by HealthCheck once the mirror is closed.
	ErrClosed = errors.New("influxdb: mirror closed")

	// ErrWrite wraps the batch failures handed to the SetOnError callback.
	ErrWrite = errors.New("influxdb: batch write failed")
)
