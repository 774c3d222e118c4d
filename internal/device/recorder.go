package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRecorderQueue = 256

	// writeTimeout bounds one upsert.
	writeTimeout = 5 * time.Second
)

// RecorderStats is a point-in-time snapshot of recorder activity.
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Pending  int    `json:"pending"`
}

// Recorder keeps the coap_devices table up to date from accepted readings.
//
// Record never blocks: sightings go through a bounded channel to a single
// writer goroutine, and are dropped when the channel is full. The table
// is created by the embedded migrations.
//
// Thread Safety: All methods are safe for concurrent use.
type Recorder struct {
	db     *sql.DB
	logger Logger

	upsertStmt *sql.Stmt
	queue      chan Sighting

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64

	// mu guards started/closed and the queue close.
	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder with room for queueSize pending sightings
// (0 selects the default). Call Start before Record.
func NewRecorder(db *sql.DB, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	return &Recorder{
		db:     db,
		logger: noopLogger{},
		queue:  make(chan Sighting, queueSize),
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Start prepares the upsert statement and launches the writer.
// A second call is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	stmt, err := r.db.PrepareContext(ctx, `
		INSERT INTO coap_devices
			(identifier, category, last_endpoint, location, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(identifier) DO UPDATE SET
			category = excluded.category,
			last_endpoint = excluded.last_endpoint,
			location = COALESCE(excluded.location, coap_devices.location),
			last_seen = MAX(coap_devices.last_seen, excluded.last_seen),
			message_count = coap_devices.message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing device upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.started = true

	r.wg.Add(1)
	go r.writeLoop()

	r.logger.Info("device recorder started", "queue", cap(r.queue))
	return nil
}

// Stop stops accepting sightings, writes the ones already queued and
// releases the prepared statement. Safe to call multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed || !r.started {
		r.closed = true
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()

	if err := r.upsertStmt.Close(); err != nil {
		r.logger.Warn("closing device upsert statement", "error", err)
	}
	r.logger.Info("device recorder stopped",
		"recorded", r.recorded.Load(),
		"dropped", r.dropped.Load(),
	)
}

// Record queues a sighting. It returns false when the sighting was dropped
// because the queue is full or the recorder is not running.
func (r *Recorder) Record(s Sighting) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- s:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for s := range r.queue {
		if err := r.upsert(s); err != nil {
			r.failed.Add(1)
			r.logger.Error("recording device", "identifier", s.Identifier, "error", err)
			continue
		}
		r.recorded.Add(1)
	}
}

func (r *Recorder) upsert(s Sighting) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	location := sql.NullString{String: s.Location, Valid: s.Location != ""}

	_, err := r.upsertStmt.ExecContext(ctx,
		s.Identifier, s.Category, s.Endpoint, location,
		at.UnixMilli(), at.UnixMilli(),
	)
	return err
}

// Get returns one device by identifier.
func (r *Recorder) Get(ctx context.Context, identifier string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevices+` WHERE identifier = ?`, identifier)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("getting device %s: %w", identifier, err)
	}
	return d, nil
}

// List returns every recorded device, most recently seen first.
func (r *Recorder) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDevices+` ORDER BY last_seen DESC, identifier`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Stats returns a snapshot of recorder activity.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Pending:  len(r.queue),
	}
}

const selectDevices = `
	SELECT identifier, category, last_endpoint, location, first_seen, last_seen, message_count
	FROM coap_devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		location  sql.NullString
		firstSeen int64
		lastSeen  int64
	)
	if err := row.Scan(&d.Identifier, &d.Category, &d.LastEndpoint, &location, &firstSeen, &lastSeen, &d.MessageCount); err != nil {
		return nil, err
	}
	d.Location = location.String
	d.FirstSeen = time.UnixMilli(firstSeen).UTC()
	d.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &d, nil
}
