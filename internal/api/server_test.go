package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/coap-bridge/internal/bridge"
	"github.com/nerrad567/coap-bridge/internal/device"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/coap-bridge/internal/publisher"
	"github.com/nerrad567/coap-bridge/internal/session"
)

type mockDevices struct {
	devices []device.Device
	err     error
}

func (m *mockDevices) List(context.Context) ([]device.Device, error) {
	return m.devices, m.err
}

func (m *mockDevices) Get(_ context.Context, id string) (*device.Device, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, d := range m.devices {
		if d.Identifier == id {
			return &d, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (m *mockDevices) Stats() device.RecorderStats {
	return device.RecorderStats{Recorded: uint64(len(m.devices))}
}

type mockChecker struct{ err error }

func (m mockChecker) HealthCheck(context.Context) error { return m.err }

type bridgeStats bridge.Stats

func (b bridgeStats) Stats() bridge.Stats { return bridge.Stats(b) }

type sessionStats session.Stats

func (s sessionStats) Stats() session.Stats { return session.Stats(s) }

type publisherStats publisher.Stats

func (p publisherStats) Stats() publisher.Stats { return publisher.Stats(p) }

func testLogger() *logging.Logger {
	return logging.Discard()
}

// testServer creates a Server with mock dependencies. modify may adjust deps.
func testServer(t *testing.T, modify func(*Deps)) *Server {
	t.Helper()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:    testLogger(),
		Version:   "test",
		Bridge:    bridgeStats{Received: 12, Acknowledged: 10},
		Sessions:  sessionStats{Active: 3, Capacity: 10000},
		Publisher: publisherStats{Connected: true, QueueDepth: 2, QueueCapacity: 1000},
		Devices: &mockDevices{devices: []device.Device{
			{Identifier: "device7", Category: "sensor", LastEndpoint: "10.0.0.5:5683", FirstSeen: seen, LastSeen: seen, MessageCount: 4},
			{Identifier: "floor1/device2", Category: "sensor", LastEndpoint: "10.0.0.6:5683", FirstSeen: seen, LastSeen: seen, MessageCount: 1},
		}},
		Broker:   mockChecker{},
		Database: mockChecker{},
		Gatherer: prometheus.NewRegistry(),
	}
	if modify != nil {
		modify(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return v
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Deps)
		wantCode   int
		wantStatus string
		wantBroker string
		wantInflux string
	}{
		{
			name:       "all healthy",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantBroker: "ok",
			wantInflux: "disabled",
		},
		{
			name:       "broker down",
			modify:     func(d *Deps) { d.Broker = mockChecker{err: errors.New("mqtt: not connected")} },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantBroker: "error: mqtt: not connected",
			wantInflux: "disabled",
		},
		{
			name:       "influx enabled",
			modify:     func(d *Deps) { d.InfluxDB = mockChecker{} },
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantBroker: "ok",
			wantInflux: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, testServer(t, tt.modify), "/api/v1/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			resp := decode[HealthResponse](t, rec)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Components["broker"] != tt.wantBroker {
				t.Errorf("broker = %q, want %q", resp.Components["broker"], tt.wantBroker)
			}
			if resp.Components["influxdb"] != tt.wantInflux {
				t.Errorf("influxdb = %q, want %q", resp.Components["influxdb"], tt.wantInflux)
			}
			if resp.Version != "test" {
				t.Errorf("version = %q, want test", resp.Version)
			}
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	rec := do(t, testServer(t, nil), "/api/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	m := decode[SystemMetrics](t, rec)
	if m.Bridge == nil || m.Bridge.Received != 12 || m.Bridge.Acknowledged != 10 {
		t.Errorf("bridge = %+v", m.Bridge)
	}
	if m.Sessions == nil || m.Sessions.Active != 3 {
		t.Errorf("sessions = %+v", m.Sessions)
	}
	if m.Publisher == nil || !m.Publisher.Connected || m.Publisher.QueueDepth != 2 {
		t.Errorf("publisher = %+v", m.Publisher)
	}
	if m.Devices == nil || m.Devices.Recorded != 2 {
		t.Errorf("devices = %+v", m.Devices)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines not reported")
	}
}

func TestHandleMetrics_OptionalComponents(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Bridge = nil
		d.Devices = nil
	})

	m := decode[SystemMetrics](t, do(t, srv, "/api/v1/metrics"))
	if m.Bridge != nil || m.Devices != nil {
		t.Errorf("disabled components reported: bridge=%v devices=%v", m.Bridge, m.Devices)
	}
}

func TestHandleListDevices(t *testing.T) {
	rec := do(t, testServer(t, nil), "/api/v1/devices")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	body := decode[struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}](t, rec)
	if body.Count != 2 || len(body.Devices) != 2 {
		t.Fatalf("count = %d, devices = %d, want 2", body.Count, len(body.Devices))
	}
	if body.Devices[0].Identifier != "device7" || body.Devices[0].MessageCount != 4 {
		t.Errorf("first device = %+v", body.Devices[0])
	}
}

func TestHandleGetDevice(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantCode int
		wantID   string
	}{
		{"found", "/api/v1/devices/device7", http.StatusOK, "device7"},
		{"nested identifier", "/api/v1/devices/floor1/device2", http.StatusOK, "floor1/device2"},
		{"unknown", "/api/v1/devices/missing", http.StatusNotFound, ""},
	}

	srv := testServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, tt.path)
			if rec.Code != tt.wantCode {
				t.Fatalf("status code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantID == "" {
				if e := decode[Error](t, rec); e.Code != ErrCodeNotFound {
					t.Errorf("error code = %q, want %q", e.Code, ErrCodeNotFound)
				}
				return
			}
			if d := decode[device.Device](t, rec); d.Identifier != tt.wantID {
				t.Errorf("identifier = %q, want %q", d.Identifier, tt.wantID)
			}
		})
	}
}

func TestDevices_RegistryDisabled(t *testing.T) {
	srv := testServer(t, func(d *Deps) { d.Devices = nil })

	for _, path := range []string{"/api/v1/devices", "/api/v1/devices/device7"} {
		if rec := do(t, srv, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestDevices_StoreError(t *testing.T) {
	srv := testServer(t, func(d *Deps) { d.Devices = &mockDevices{err: errors.New("disk I/O error")} })

	for _, path := range []string{"/api/v1/devices", "/api/v1/devices/device7"} {
		rec := do(t, srv, path)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("GET %s status = %d, want 500", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "disk") {
			t.Errorf("GET %s leaked internal error: %s", path, rec.Body.String())
		}
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "coapbridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	rec := do(t, testServer(t, func(d *Deps) { d.Gatherer = reg }), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "coapbridge_test_total 3") {
		t.Errorf("exposition missing counter:\n%s", rec.Body.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	srv := testServer(t, nil)
	router := srv.buildRouter()

	t.Run("generates an ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		if id := rec.Header().Get("X-Request-ID"); len(id) != 36 {
			t.Errorf("X-Request-ID = %q, want a UUID", id)
		}
	})

	t.Run("keeps the client ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "abc-123" {
			t.Errorf("X-Request-ID = %q, want abc-123", id)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	srv := testServer(t, nil)
	handler := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", rec.Code)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv := testServer(t, nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close() //nolint:errcheck // Test cleanup

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain body

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestServer_CloseBeforeStart(t *testing.T) {
	if err := testServer(t, nil).Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
	if addr := testServer(t, nil).Addr(); addr != nil {
		t.Errorf("Addr() before Start = %v, want nil", addr)
	}
}
