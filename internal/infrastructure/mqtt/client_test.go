package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for tests that do not
// need a broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "coap-bridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// silentListener accepts TCP connections and never answers, so a
// connection attempt stays pending until the caller gives up.
func silentListener(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn) //nolint:errcheck // Drains until the peer gives up
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// =============================================================================
// Options Tests
// =============================================================================

func TestNew_Options(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "bridge"
	cfg.Auth.Password = "secret"

	c := New(cfg, "bridge-01")
	opts := c.client.OptionsReader()

	servers := opts.Servers()
	if len(servers) != 1 || servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers() = %v, want [tcp://127.0.0.1:1883]", servers)
	}
	if opts.ClientID() != "coap-bridge-test" {
		t.Errorf("ClientID() = %q, want coap-bridge-test", opts.ClientID())
	}
	if opts.Username() != "bridge" {
		t.Errorf("Username() = %q, want bridge", opts.Username())
	}
	if !opts.AutoReconnect() {
		t.Error("AutoReconnect() = false, want true")
	}
	if opts.ConnectRetry() {
		t.Error("ConnectRetry() = true, want false")
	}
	if opts.MaxReconnectInterval() != 5*time.Second {
		t.Errorf("MaxReconnectInterval() = %v, want 5s", opts.MaxReconnectInterval())
	}
}

func TestNew_TLSScheme(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := New(cfg, "bridge-01").client.OptionsReader()

	servers := opts.Servers()
	if len(servers) != 1 || servers[0].Scheme != "ssl" {
		t.Fatalf("Servers() = %v, want ssl scheme", servers)
	}
	if opts.TLSConfig() == nil {
		t.Error("TLSConfig() = nil, want config")
	}
}

func TestNew_LastWill(t *testing.T) {
	opts := New(testConfig(), "bridge-01").client.OptionsReader()

	if !opts.WillEnabled() {
		t.Fatal("WillEnabled() = false, want true")
	}
	if opts.WillTopic() != "coap-bridge/bridge-01/status" {
		t.Errorf("WillTopic() = %q", opts.WillTopic())
	}
	if !opts.WillRetained() {
		t.Error("WillRetained() = false, want true")
	}
	if opts.WillQos() != 1 {
		t.Errorf("WillQos() = %d, want 1", opts.WillQos())
	}

	var payload statusPayload
	if err := json.Unmarshal(opts.WillPayload(), &payload); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if payload.Status != statusOffline || payload.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", payload)
	}
	if payload.ClientID != "coap-bridge-test" {
		t.Errorf("will client_id = %q", payload.ClientID)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect_Refused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = closedPort(t)

	c := New(cfg, "bridge-01")
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = silentListener(t)

	c := New(cfg, "bridge-01")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Connect(ctx)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want DeadlineExceeded in chain", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect() took %v, want prompt return on deadline", elapsed)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() on nil client = true")
	}
}

func TestClose_NeverConnected(t *testing.T) {
	c := New(testConfig(), "bridge-01")
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	c := New(testConfig(), "bridge-01")

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, []byte("x"), ErrInvalidTopic},
		{"wildcard topic", "sensor/+", 1, []byte("x"), ErrInvalidTopic},
		{"invalid qos", "sensor/node7", 3, []byte("x"), ErrInvalidQoS},
		{"oversized payload", "sensor/node7", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"not connected", "sensor/node7", 1, []byte("x"), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_NotConnected(t *testing.T) {
	c := New(testConfig(), "bridge-01")
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	c := New(testConfig(), "bridge-01")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Callback Tests
// =============================================================================

func TestCallbacks(t *testing.T) {
	c := New(testConfig(), "bridge-01")

	var connects, disconnects atomic.Int32
	c.SetOnConnect(func() { connects.Add(1) })
	c.SetOnDisconnect(func(error) { disconnects.Add(1) })

	c.handleConnect()
	c.handleDisconnect(errors.New("link down"))

	if connects.Load() != 1 {
		t.Errorf("onConnect calls = %d, want 1", connects.Load())
	}
	if disconnects.Load() != 1 {
		t.Errorf("onDisconnect calls = %d, want 1", disconnects.Load())
	}

	// The paho link was never opened, so the client must not claim it is.
	if c.IsConnected() {
		t.Error("IsConnected() = true without an open link")
	}
}

func TestSetLogger(t *testing.T) {
	c := New(testConfig(), "bridge-01")
	logger := &recordingLogger{}
	c.SetLogger(logger)

	c.handleDisconnect(errors.New("link down"))

	if got := logger.warns.Load(); got != 1 {
		t.Errorf("Warn calls = %d, want 1", got)
	}
}

type recordingLogger struct {
	infos, warns, errors atomic.Int32
}

func (l *recordingLogger) Info(string, ...any)  { l.infos.Add(1) }
func (l *recordingLogger) Warn(string, ...any)  { l.warns.Add(1) }
func (l *recordingLogger) Error(string, ...any) { l.errors.Add(1) }

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{BridgeID: "bridge-01"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"status", topics.Status(), "coap-bridge/bridge-01/status"},
		{"health", topics.Health(), "coap-bridge/bridge-01/health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestValidatePublishTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"sensor/node7", false},
		{"coap-bridge/b1/health", false},
		{"", true},
		{"sensor/+", true},
		{"sensor/#", true},
		{"sensor/\x00", true},
		{"sensor/\xff", true},
		{"sensor/gerät", false},
	}

	for _, tt := range tests {
		name := strings.ReplaceAll(tt.topic, "\x00", "NUL")
		t.Run(name, func(t *testing.T) {
			err := ValidatePublishTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePublishTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

func TestBuildStatusPayload(t *testing.T) {
	var p statusPayload
	if err := json.Unmarshal(buildStatusPayload(statusOnline, "id-1", ""), &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Status != statusOnline || p.ClientID != "id-1" || p.Reason != "" {
		t.Errorf("payload = %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", p.Timestamp, err)
	}
}
