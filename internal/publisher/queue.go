package publisher

import (
	"sync"
	"time"
)

// Message is one encoded record waiting for the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Enqueued time.Time

	seq uint64
}

// Queue is a bounded FIFO ring that drops its oldest message when full.
//
// Any number of goroutines may Push. A single consumer uses Peek and Ack:
// the head stays in place until it has been published, so a failed
// publish is retried in order. Push never blocks on the consumer.
type Queue struct {
	mu      sync.Mutex
	items   []Message
	head    int
	size    int
	nextSeq uint64
	closed  bool

	// ready holds a token while the queue has data the consumer has not seen.
	ready chan struct{}
}

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make([]Message, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push appends m. When the queue is full the oldest message is removed and
// returned with dropped set. Returns ErrClosed after Close.
func (q *Queue) Push(m Message) (old Message, dropped bool, err error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return Message{}, false, ErrClosed
	}

	if q.size == len(q.items) {
		old = q.items[q.head]
		q.items[q.head] = Message{}
		q.head = (q.head + 1) % len(q.items)
		q.size--
		dropped = true
	}

	q.nextSeq++
	m.seq = q.nextSeq
	q.items[(q.head+q.size)%len(q.items)] = m
	q.size++

	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	return old, dropped, nil
}

// Peek returns the head without removing it.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Message{}, false
	}
	return q.items[q.head], true
}

// Ack removes the head if it is still the message Peek returned.
// It reports false when that message was dropped in the meantime.
func (q *Queue) Ack(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 || q.items[q.head].seq != m.seq {
		return false
	}
	q.items[q.head] = Message{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return true
}

// Ready is signalled after a Push.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.items)
}

// Close rejects further pushes. Queued messages remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
