package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/mqtt"
)

const (
	defaultQueueSize    = 1000
	defaultDrainTimeout = 5 * time.Second

	// idleCheckInterval is how often an idle drain loop re-checks the link.
	idleCheckInterval = time.Second
)

// Broker is the connection the publisher drains into.
// *mqtt.Client satisfies it.
type Broker interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the logging interface used by the publisher.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Guarantee is the delivery guarantee requested for a record.
type Guarantee int

const (
	// AtMostOnce publishes with QoS 0.
	AtMostOnce Guarantee = iota
	// AtLeastOnce publishes with QoS 1.
	AtLeastOnce
)

func (g Guarantee) qos() byte {
	if g == AtLeastOnce {
		return 1
	}
	return 0
}

// String returns the guarantee name.
func (g Guarantee) String() string {
	if g == AtLeastOnce {
		return "at-least-once"
	}
	return "at-most-once"
}

// GuaranteeFromQoS maps an MQTT QoS level to a guarantee.
// QoS 2 is served as at-least-once.
func GuaranteeFromQoS(qos int) Guarantee {
	if qos <= 0 {
		return AtMostOnce
	}
	return AtLeastOnce
}

// Options configures a Publisher.
type Options struct {
	// Broker is required.
	Broker Broker

	// Logger is required.
	Logger Logger

	// QueueSize is the outbound buffer capacity (default 1000).
	QueueSize int

	// DrainTimeout bounds the flush performed by Stop (default 5s).
	DrainTimeout time.Duration

	// Backoff controls reconnect and publish retry delays.
	Backoff BackoffConfig

	// Registerer receives the publisher metrics. Nil disables export.
	Registerer prometheus.Registerer
}

// Stats is a point-in-time snapshot of publisher activity.
type Stats struct {
	Connected     bool   `json:"connected"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	Errors        uint64 `json:"errors"`
	Connects      uint64 `json:"connects"`
}

// Publisher accepts records from many goroutines and delivers them to the
// broker from a single drain goroutine.
//
// Publish never waits on the network. When the buffer is full the oldest
// record is dropped, so the buffer always holds the newest records. The
// drain goroutine also owns the broker connection and retries it with
// exponential backoff.
type Publisher struct {
	broker       Broker
	logger       Logger
	queue        *Queue
	backoffCfg   BackoffConfig
	drainTimeout time.Duration
	metrics      *publisherMetrics
	dropLog      rate.Sometimes

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
	connects  atomic.Uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Publisher. Call Start to begin draining.
func New(opts Options) (*Publisher, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidOptions)
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrInvalidOptions)
	}
	if opts.QueueSize < 0 || opts.DrainTimeout < 0 {
		return nil, fmt.Errorf("%w: queue_size=%d drain_timeout=%s", ErrInvalidOptions, opts.QueueSize, opts.DrainTimeout)
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	q := NewQueue(opts.QueueSize)
	m, err := newPublisherMetrics(opts.Registerer, q)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		broker:       opts.Broker,
		logger:       opts.Logger,
		queue:        q,
		backoffCfg:   opts.Backoff,
		drainTimeout: opts.DrainTimeout,
		metrics:      m,
		dropLog:      rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// Publish encodes record and places it in the outbound buffer.
//
// A nil return means the buffer accepted the record. A []byte record is
// sent as-is; anything else is marshalled to JSON. ErrBufferFull means the
// broker is down and an older record was dropped to make room; the new
// record is still queued.
func (p *Publisher) Publish(topic string, record any, g Guarantee) error {
	if err := mqtt.ValidatePublishTopic(topic); err != nil {
		return err
	}

	payload, err := encode(record)
	if err != nil {
		return err
	}

	old, dropped, err := p.queue.Push(Message{
		Topic:    topic,
		Payload:  payload,
		QoS:      g.qos(),
		Enqueued: time.Now(),
	})
	if err != nil {
		return err
	}
	if !dropped {
		return nil
	}

	p.dropped.Add(1)
	p.metrics.dropped.Inc()
	p.dropLog.Do(func() {
		p.logger.Warn("publisher buffer full, dropping oldest record",
			"topic", old.Topic,
			"age", time.Since(old.Enqueued).Round(time.Millisecond),
			"capacity", p.queue.Cap(),
			"dropped_total", p.dropped.Load(),
		)
	})

	if !p.broker.IsConnected() {
		return fmt.Errorf("%w: dropped record for %s", ErrBufferFull, old.Topic)
	}
	return nil
}

func encode(record any) ([]byte, error) {
	switch v := record.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		return b, nil
	}
}

// Start launches the drain goroutine. It returns immediately.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(runCtx)
	return nil
}

// Stop rejects new records, stops the drain goroutine and then flushes
// what is left for at most the drain timeout. Records still queued after
// that are logged and discarded.
func (p *Publisher) Stop() {
	p.queue.Close()

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	flushed := p.flush(p.drainTimeout)
	if left := p.queue.Len(); left > 0 {
		p.logger.Warn("publisher stopped with undelivered records", "discarded", left, "flushed", flushed)
	} else if flushed > 0 {
		p.logger.Info("publisher flushed outbound buffer", "flushed", flushed)
	}
}

// run is the drain loop: keep the broker connected and publish the head.
func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	connectBackoff := newBackoff(p.backoffCfg)
	publishBackoff := newBackoff(p.backoffCfg)

	idle := time.NewTicker(idleCheckInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		if !p.broker.IsConnected() {
			p.setConnected(false)
			if !p.connect(ctx, connectBackoff) {
				continue
			}
		}
		p.setConnected(true)

		msg, ok := p.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
			case <-p.queue.Ready():
			case <-idle.C:
			}
			continue
		}

		if err := p.broker.Publish(msg.Topic, msg.Payload, msg.QoS, false); err != nil {
			p.errors.Add(1)
			p.metrics.errors.Inc()
			delay := publishBackoff.Next()
			p.logger.Warn("publish failed, will retry",
				"topic", msg.Topic,
				"error", err,
				"retry_in", delay.Round(time.Millisecond),
			)
			sleep(ctx, delay)
			continue
		}

		publishBackoff.Reset()
		p.queue.Ack(msg)
		p.published.Add(1)
		p.metrics.published.Inc()
	}
}

// connect makes one attempt and sleeps for the next backoff delay if the
// link is still down afterwards. It reports whether the link is open.
func (p *Publisher) connect(ctx context.Context, bo *backoff) bool {
	err := p.broker.Connect(ctx)
	if err == nil && p.broker.IsConnected() {
		bo.Reset()
		p.connects.Add(1)
		p.logger.Info("publisher connected to broker", "queued", p.queue.Len())
		return true
	}

	delay := bo.Next()
	if err != nil {
		p.logger.Warn("broker connection failed",
			"error", err,
			"retry_in", delay.Round(time.Millisecond),
			"queued", p.queue.Len(),
		)
	} else {
		p.logger.Debug("broker link restoring, waiting", "retry_in", delay.Round(time.Millisecond))
	}
	sleep(ctx, delay)
	return false
}

// flush publishes queued records until the buffer is empty, a publish
// fails or timeout elapses.
func (p *Publisher) flush(timeout time.Duration) int {
	if !p.broker.IsConnected() {
		return 0
	}

	deadline := time.Now().Add(timeout)
	n := 0
	for time.Now().Before(deadline) {
		msg, ok := p.queue.Peek()
		if !ok {
			return n
		}
		if err := p.broker.Publish(msg.Topic, msg.Payload, msg.QoS, false); err != nil {
			p.errors.Add(1)
			p.metrics.errors.Inc()
			p.logger.Warn("flush publish failed", "topic", msg.Topic, "error", err)
			return n
		}
		p.queue.Ack(msg)
		p.published.Add(1)
		p.metrics.published.Inc()
		n++
	}
	return n
}

func (p *Publisher) setConnected(v bool) {
	if p.connected.Swap(v) == v {
		return
	}
	if v {
		p.metrics.connected.Set(1)
	} else {
		p.metrics.connected.Set(0)
	}
}

// Connected reports whether the broker link was open at the last check.
func (p *Publisher) Connected() bool {
	return p.broker.IsConnected()
}

// Stats returns a snapshot of publisher activity.
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected:     p.broker.IsConnected(),
		QueueDepth:    p.queue.Len(),
		QueueCapacity: p.queue.Cap(),
		Published:     p.published.Load(),
		Dropped:       p.dropped.Load(),
		Errors:        p.errors.Load(),
		Connects:      p.connects.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
