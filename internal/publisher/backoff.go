package publisher

import (
	"math/rand/v2"
	"time"
)

// BackoffConfig bounds the delay between broker connection attempts.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the fraction of each delay randomised in both directions.
	Jitter float64
}

// DefaultBackoff matches the mqtt.reconnect defaults.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// backoff produces exponentially growing, jittered delays.
// It is only used from the drain goroutine.
type backoff struct {
	cfg  BackoffConfig
	next time.Duration
	rand func() float64
}

func newBackoff(cfg BackoffConfig) *backoff {
	def := DefaultBackoff()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	return &backoff{cfg: cfg, next: cfg.Initial, rand: rand.Float64}
}

// Next returns the delay before the next attempt and grows the base delay.
func (b *backoff) Next() time.Duration {
	base := b.next

	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if grown > b.cfg.Max || grown <= 0 {
		grown = b.cfg.Max
	}
	b.next = grown

	if b.cfg.Jitter == 0 {
		return base
	}
	// Uniform in [base*(1-j), base*(1+j)).
	factor := 1 + b.cfg.Jitter*(2*b.rand()-1)
	return time.Duration(float64(base) * factor)
}

// Reset returns to the initial delay after a success.
func (b *backoff) Reset() {
	b.next = b.cfg.Initial
}
