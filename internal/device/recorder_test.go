package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/database"
	"github.com/nerrad567/coap-bridge/migrations"
)

// setupRecorder opens a migrated database and a started recorder.
func setupRecorder(t *testing.T, queueSize int) (*Recorder, *database.DB) {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Enabled:     true,
		Path:        filepath.Join(t.TempDir(), "devices.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	r := NewRecorder(db.DB, queueSize)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(r.Stop)
	return r, db
}

// drain stops the recorder so every queued sighting is written.
func drain(r *Recorder) { r.Stop() }

func TestRecorder_FirstSighting(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !r.Record(Sighting{
		Identifier: "d1",
		Category:   "sensors",
		Endpoint:   "10.0.0.5:5683",
		Location:   "kitchen",
		At:         at,
	}) {
		t.Fatal("Record() = false, want true")
	}
	drain(r)

	d, err := r.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.Category != "sensors" || d.LastEndpoint != "10.0.0.5:5683" || d.Location != "kitchen" {
		t.Errorf("device = %+v", d)
	}
	if !d.FirstSeen.Equal(at) || !d.LastSeen.Equal(at) {
		t.Errorf("seen = %v / %v, want %v", d.FirstSeen, d.LastSeen, at)
	}
	if d.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", d.MessageCount)
	}
}

func TestRecorder_UpsertUpdatesExisting(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Minute)

	r.Record(Sighting{Identifier: "d1", Category: "sensors", Endpoint: "a:1", Location: "kitchen", At: first})
	r.Record(Sighting{Identifier: "d1", Category: "sensors", Endpoint: "b:2", At: later})
	drain(r)

	d, err := r.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", d.MessageCount)
	}
	if d.LastEndpoint != "b:2" {
		t.Errorf("LastEndpoint = %q, want b:2", d.LastEndpoint)
	}
	if d.Location != "kitchen" {
		t.Errorf("Location = %q, empty location must not overwrite", d.Location)
	}
	if !d.FirstSeen.Equal(first) {
		t.Errorf("FirstSeen = %v, want %v", d.FirstSeen, first)
	}
	if !d.LastSeen.Equal(later) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen, later)
	}
}

func TestRecorder_List(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.Record(Sighting{Identifier: "old", Category: "sensors", Endpoint: "a:1", At: base})
	r.Record(Sighting{Identifier: "new", Category: "weather", Endpoint: "b:1", At: base.Add(time.Hour)})
	drain(r)

	devices, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("List() returned %d devices, want 2", len(devices))
	}
	if devices[0].Identifier != "new" || devices[1].Identifier != "old" {
		t.Errorf("order = %s, %s, want new, old", devices[0].Identifier, devices[1].Identifier)
	}
}

func TestRecorder_ListEmpty(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	devices, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if devices == nil || len(devices) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", devices)
	}
}

func TestRecorder_GetNotFound(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	_, err := r.Get(context.Background(), "missing")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRecorder_RecordAfterStopDrops(t *testing.T) {
	r, _ := setupRecorder(t, 0)
	r.Stop()
	r.Stop()

	if r.Record(Sighting{Identifier: "d1"}) {
		t.Error("Record() after Stop = true, want false")
	}
	if got := r.Stats().Dropped; got != 1 {
		t.Errorf("Dropped = %d, want 1", got)
	}
}

func TestRecorder_RecordBeforeStartDrops(t *testing.T) {
	r := NewRecorder(nil, 1)
	if r.Record(Sighting{Identifier: "d1"}) {
		t.Error("Record() before Start = true, want false")
	}
	r.Stop()
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	r := NewRecorder(nil, 2)
	// Mark as started without a writer so nothing drains the queue.
	r.started = true

	results := []bool{
		r.Record(Sighting{Identifier: "a"}),
		r.Record(Sighting{Identifier: "b"}),
		r.Record(Sighting{Identifier: "c"}),
	}
	if !results[0] || !results[1] || results[2] {
		t.Errorf("Record() results = %v, want [true true false]", results)
	}

	stats := r.Stats()
	if stats.Dropped != 1 || stats.Pending != 2 {
		t.Errorf("Stats() = %+v, want Dropped 1 Pending 2", stats)
	}
}

func TestRecorder_Stats(t *testing.T) {
	r, _ := setupRecorder(t, 0)

	for i := range 3 {
		r.Record(Sighting{Identifier: "d1", Category: "sensors", Endpoint: "a:1", At: time.UnixMilli(int64(i))})
	}
	drain(r)

	stats := r.Stats()
	if stats.Recorded != 3 || stats.Failed != 0 || stats.Pending != 0 {
		t.Errorf("Stats() = %+v, want 3 recorded", stats)
	}
}

func TestRecorder_StartWithoutSchemaFails(t *testing.T) {
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "empty.db"),
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	r := NewRecorder(db.DB, 0)
	if err := r.Start(context.Background()); err == nil {
		r.Stop()
		t.Fatal("Start() error = nil, want prepare failure")
	}
}
