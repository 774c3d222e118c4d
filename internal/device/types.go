package device

import "time"

// Device is one sensor that has posted readings through the bridge.
type Device struct {
	Identifier   string    `json:"identifier"`
	Category     string    `json:"category"`
	LastEndpoint string    `json:"last_endpoint"`
	Location     string    `json:"location,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
}

// Sighting is a single accepted reading, as reported by the bridge.
type Sighting struct {
	Identifier string
	Category   string
	Endpoint   string

	// Location is empty when the device MAC has no configured room.
	// An empty location never overwrites a stored one.
	Location string

	At time.Time
}

// Logger defines the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
