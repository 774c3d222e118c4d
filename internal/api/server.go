package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/coap-bridge/internal/bridge"
	"github.com/nerrad567/coap-bridge/internal/device"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/coap-bridge/internal/publisher"
	"github.com/nerrad567/coap-bridge/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceStore reads the device registry. *device.Recorder satisfies it.
type DeviceStore interface {
	List(ctx context.Context) ([]device.Device, error)
	Get(ctx context.Context, identifier string) (*device.Device, error)
	Stats() device.RecorderStats
}

// HealthChecker is implemented by the broker, database and InfluxDB clients.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BridgeStats provides CoAP server statistics. *bridge.Server satisfies it.
type BridgeStats interface {
	Stats() bridge.Stats
}

// SessionStats provides session table statistics. *session.Table satisfies it.
type SessionStats interface {
	Stats() session.Stats
}

// PublisherStats provides outbound buffer statistics.
// *publisher.Publisher satisfies it.
type PublisherStats interface {
	Stats() publisher.Stats
}

// Deps holds the dependencies required by the API server.
// Everything except Logger is optional; missing components are reported
// as disabled.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Version string

	Bridge    BridgeStats
	Sessions  SessionStats
	Publisher PublisherStats
	Devices   DeviceStore

	Broker   HealthChecker
	Database HealthChecker
	InfluxDB HealthChecker

	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP status server.
//
// It is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	version   string
	startTime time.Time

	bridge    BridgeStats
	sessions  SessionStats
	publisher PublisherStats
	devices   DeviceStore

	broker   HealthChecker
	database HealthChecker
	influxdb HealthChecker

	gatherer prometheus.Gatherer
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		version:   deps.Version,
		startTime: time.Now(),
		bridge:    deps.Bridge,
		sessions:  deps.Sessions,
		publisher: deps.Publisher,
		devices:   deps.Devices,
		broker:    deps.Broker,
		database:  deps.Database,
		influxdb:  deps.InfluxDB,
		gatherer:  gatherer,
	}, nil
}

// Start binds the listener and serves HTTP in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
