package session

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/coap-bridge/internal/coap"
)

// Decision is the outcome of Admit.
type Decision int

const (
	// Fresh means the exchange is new: translate, publish, then Record.
	Fresh Decision = iota

	// DuplicateReplay means the exchange already completed; resend the
	// cached response verbatim.
	DuplicateReplay

	// Stale means there is nothing to do: the exchange is still in flight,
	// it completed without a response (non-confirmable), or the message
	// does not open an exchange at all (ACK/RST).
	Stale
)

// String returns the decision name for logs.
func (d Decision) String() string {
	switch d {
	case Fresh:
		return "fresh"
	case DuplicateReplay:
		return "duplicate_replay"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Key identifies one exchange. Message IDs are only unique per endpoint.
type Key struct {
	Endpoint  string
	MessageID uint16
}

type entryState uint8

const (
	statePending entryState = iota
	stateCompleted
)

type entry struct {
	key      Key
	created  time.Time
	lastSeen time.Time
	response []byte
	state    entryState
}

// shard holds a slice of the key space. Its list is ordered by last
// receipt, most recent at the front.
type shard struct {
	mu       sync.Mutex
	items    map[Key]*list.Element
	order    *list.List
	capacity int
}

// Config sizes the table.
type Config struct {
	// Lifetime is how long an exchange is remembered after its first datagram.
	Lifetime time.Duration

	// Capacity bounds the total number of entries across all shards.
	// Eviction is per shard, so a busy shard may evict while others
	// still have room.
	Capacity int

	// Shards is the number of independently locked partitions.
	Shards int

	// SweepInterval is how often the background sweeper runs. Defaults
	// to a quarter of Lifetime.
	SweepInterval time.Duration
}

// Option customises a Table.
type Option func(*Table)

// WithClock replaces time.Now. Tests use it to step past the lifetime.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRegisterer exports table metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Table) {
		t.registerer = reg
	}
}

// Stats is a point-in-time snapshot of table activity.
type Stats struct {
	Active            int    `json:"active"`
	Capacity          int    `json:"capacity"`
	Admitted          uint64 `json:"admitted"`
	Duplicates        uint64 `json:"duplicates"`
	Expired           uint64 `json:"expired"`
	CapacityEvictions uint64 `json:"capacity_evictions"`
}

// Table is the exchange deduplication table.
//
// Entries are sharded by endpoint, so exchanges from different endpoints
// rarely contend on the same lock. Each shard evicts its least recently
// seen entry when full and drops entries older than the lifetime, both
// lazily on Admit and from the background sweeper.
//
// Thread Safety: All methods are safe for concurrent use.
type Table struct {
	shards        []*shard
	lifetime      time.Duration
	capacity      int
	sweepInterval time.Duration
	now           func() time.Time
	registerer    prometheus.Registerer
	metrics       *tableMetrics

	admitted     atomic.Uint64
	duplicates   atomic.Uint64
	expiredCount atomic.Uint64
	evicted      atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Table. The sweeper is not running until Start is called;
// lazy expiry on Admit works regardless.
func New(cfg Config, opts ...Option) (*Table, error) {
	if cfg.Lifetime <= 0 || cfg.Capacity <= 0 || cfg.Shards <= 0 {
		return nil, fmt.Errorf("%w: lifetime=%s capacity=%d shards=%d", ErrInvalidConfig, cfg.Lifetime, cfg.Capacity, cfg.Shards)
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Lifetime / 4 //nolint:mnd // sweep four times per lifetime
	}

	t := &Table{
		shards:        make([]*shard, cfg.Shards),
		lifetime:      cfg.Lifetime,
		capacity:      cfg.Capacity,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	// Spread the remainder so the shard capacities sum to Capacity.
	perShard, extra := cfg.Capacity/cfg.Shards, cfg.Capacity%cfg.Shards
	for i := range t.shards {
		c := perShard
		if i < extra {
			c++
		}
		t.shards[i] = &shard{
			items:    make(map[Key]*list.Element),
			order:    list.New(),
			capacity: c,
		}
	}

	if t.registerer != nil {
		m, err := newTableMetrics(t.registerer, t)
		if err != nil {
			return nil, err
		}
		t.metrics = m
	}

	return t, nil
}

func (t *Table) shardFor(endpoint string) *shard {
	return t.shards[xxhash.Sum64String(endpoint)%uint64(len(t.shards))]
}

func (t *Table) expired(e *entry, now time.Time) bool {
	return !now.Before(e.created.Add(t.lifetime))
}

// Admit classifies an inbound message.
//
// A confirmable or non-confirmable message whose key is unknown (or whose
// entry has outlived the lifetime) is admitted as Fresh and a pending entry
// is created. A repeat of a completed exchange that cached a response is a
// DuplicateReplay carrying that response. Any other repeat, and every
// ACK or RST, is Stale.
//
// The returned bytes must not be modified.
func (t *Table) Admit(endpoint string, messageID uint16, kind coap.Type) (Decision, []byte) {
	if kind != coap.Confirmable && kind != coap.NonConfirmable {
		return Stale, nil
	}

	key := Key{Endpoint: endpoint, MessageID: messageID}
	now := t.now()
	s := t.shardFor(endpoint)

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		if !t.expired(e, now) {
			e.lastSeen = now
			s.order.MoveToFront(el)
			state, resp := e.state, e.response
			s.mu.Unlock()

			t.duplicates.Add(1)
			if t.metrics != nil {
				t.metrics.duplicates.Inc()
			}
			if state == stateCompleted && resp != nil {
				return DuplicateReplay, resp
			}
			return Stale, nil
		}
		s.remove(el)
		t.countExpired(1)
	}

	evicted := 0
	for s.order.Len() >= s.capacity {
		s.remove(s.order.Back())
		evicted++
	}

	s.items[key] = s.order.PushFront(&entry{
		key:      key,
		created:  now,
		lastSeen: now,
		state:    statePending,
	})
	s.mu.Unlock()

	t.admitted.Add(1)
	if t.metrics != nil {
		t.metrics.admitted.Inc()
	}
	if evicted > 0 {
		t.evicted.Add(uint64(evicted))
		if t.metrics != nil {
			t.metrics.evictions.WithLabelValues("capacity").Add(float64(evicted))
		}
	}

	return Fresh, nil
}

// Record completes an exchange and caches its response for duplicates.
// A nil response marks the exchange done without anything to replay.
// The table keeps response; the caller must not modify it afterwards.
//
// It reports false if the entry was evicted while the exchange was in flight.
func (t *Table) Record(endpoint string, messageID uint16, response []byte) bool {
	key := Key{Endpoint: endpoint, MessageID: messageID}
	s := t.shardFor(endpoint)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	e.response = response
	e.state = stateCompleted
	return true
}

// Forget removes an exchange before its lifetime ends.
func (t *Table) Forget(endpoint string, messageID uint16) bool {
	key := Key{Endpoint: endpoint, MessageID: messageID}
	s := t.shardFor(endpoint)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if ok {
		s.remove(el)
	}
	return ok
}

// Len returns the number of entries held, including expired entries the
// sweeper has not reached yet.
func (t *Table) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every expired entry and returns how many it removed.
// Shards are locked one at a time.
func (t *Table) Sweep() int {
	now := t.now()
	removed := 0

	for _, s := range t.shards {
		s.mu.Lock()
		for el := s.order.Back(); el != nil; {
			prev := el.Prev()
			if t.expired(el.Value.(*entry), now) {
				s.remove(el)
				removed++
			}
			el = prev
		}
		s.mu.Unlock()
	}

	t.countExpired(removed)
	return removed
}

func (t *Table) countExpired(n int) {
	if n == 0 {
		return
	}
	t.expiredCount.Add(uint64(n))
	if t.metrics != nil {
		t.metrics.evictions.WithLabelValues("expired").Add(float64(n))
	}
}

// Stats returns a snapshot of table activity.
func (t *Table) Stats() Stats {
	return Stats{
		Active:            t.Len(),
		Capacity:          t.capacity,
		Admitted:          t.admitted.Load(),
		Duplicates:        t.duplicates.Load(),
		Expired:           t.expiredCount.Load(),
		CapacityEvictions: t.evicted.Load(),
	}
}

// Start launches the background sweeper. It stops when ctx is cancelled
// or Stop is called.
func (t *Table) Start(ctx context.Context) error {
	started := false
	t.startOnce.Do(func() {
		started = true
		ctx, t.cancel = context.WithCancel(ctx)
		t.wg.Add(1)
		go t.sweepLoop(ctx)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Stop halts the sweeper and waits for it to exit. Entries are kept.
func (t *Table) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

func (t *Table) sweepLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// remove deletes el from the shard. Must be called with s.mu held.
func (s *shard) remove(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.items, e.key)
	s.order.Remove(el)
}
