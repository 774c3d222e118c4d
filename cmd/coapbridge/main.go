// coapbridge receives sensor readings from constrained devices over CoAP
// and republishes them to an MQTT broker as JSON.
//
// Startup order: configuration, logging, optional device registry and
// InfluxDB mirror, broker client, outbound publisher, session table and
// finally the UDP listener. Shutdown runs in reverse so every accepted
// reading gets a chance to reach the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/coap-bridge/internal/api"
	"github.com/nerrad567/coap-bridge/internal/bridge"
	"github.com/nerrad567/coap-bridge/internal/device"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/database"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/coap-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/coap-bridge/internal/publisher"
	"github.com/nerrad567/coap-bridge/internal/session"
	"github.com/nerrad567/coap-bridge/internal/translate"
	"github.com/nerrad567/coap-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configEnvVar names the variable consulted when -config is not given.
const configEnvVar = "COAPBRIDGE_CONFIG"

// resolveTimeout bounds the startup lookup of the broker host.
const resolveTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (default $"+configEnvVar+", else environment only)")
	migrateDown := flag.Bool("migrate-down", false, "revert the newest device registry migration and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	path := getConfigPath(*configPath)
	var err error
	if *migrateDown {
		err = rollbackRegistry(ctx, path)
	} else {
		err = run(ctx, path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled or a
// component fails.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML file to load, or "" for environment-only configuration
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting coap bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"bridge_id", cfg.Bridge.ID,
		"level", cfg.Logging.Level,
	)

	// An unresolvable broker is a configuration mistake, not an outage.
	if err := resolveBroker(ctx, cfg.MQTT.Broker.Host); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Device registry (optional)
	var (
		db       *database.DB
		recorder *device.Recorder
	)
	db, err = database.Open(ctx, cfg.Database)
	switch {
	case errors.Is(err, database.ErrDisabled):
		log.Info("device registry disabled")
	case err != nil:
		return fmt.Errorf("opening database: %w", err)
	default:
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()

		applied, migrateErr := db.Migrate(ctx, migrations.FS)
		if migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		recorder = device.NewRecorder(db.DB, 0)
		recorder.SetLogger(log)
		if startErr := recorder.Start(ctx); startErr != nil {
			return fmt.Errorf("starting device recorder: %w", startErr)
		}
		defer recorder.Stop()
		log.Info("device registry ready", "path", db.Path(), "migrations_applied", applied)
	}

	// InfluxDB mirror (optional)
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		influxClient = nil
		log.Info("influxdb mirror disabled")
	case err != nil:
		return fmt.Errorf("connecting to influxdb: %w", err)
	default:
		defer func() {
			log.Info("closing influxdb")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing influxdb", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("influxdb write failed", "error", err)
		})
		log.Info("influxdb connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Broker client. The publisher owns the connect loop.
	mqttClient := mqtt.New(cfg.MQTT, cfg.Bridge.ID)
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("mqtt connected", "client_id", cfg.MQTT.Broker.ClientID)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("mqtt disconnected", "error", err)
	})
	defer func() {
		log.Info("disconnecting from mqtt")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing mqtt", "error", closeErr)
		}
	}()

	pub, err := publisher.New(publisher.Options{
		Broker:       mqttClient,
		Logger:       log,
		QueueSize:    cfg.Publisher.QueueSize,
		DrainTimeout: cfg.Publisher.DrainTimeout,
		Backoff: publisher.BackoffConfig{
			Initial:    time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
			Max:        time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Registerer: reg,
	})
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}

	table, err := session.New(session.Config{
		Lifetime:      cfg.Session.Lifetime,
		Capacity:      cfg.Session.Capacity,
		Shards:        cfg.Session.Shards,
		SweepInterval: cfg.Session.SweepInterval,
	}, session.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("creating session table: %w", err)
	}

	mapping, err := translate.MappingFromConfig(cfg.Translation)
	if err != nil {
		return fmt.Errorf("loading translation mapping: %w", err)
	}
	translator, err := translate.New(mapping)
	if err != nil {
		return fmt.Errorf("creating translator: %w", err)
	}

	opts := bridge.Options{
		Table:       table,
		Translator:  translator,
		Publisher:   pub,
		Logger:      log,
		Categories:  cfg.CoAP.Categories,
		PathPrefix:  cfg.Translation.PathPrefix,
		Network:     cfg.CoAP.Network,
		Addr:        cfg.CoAPAddr(),
		MaxInFlight: cfg.CoAP.MaxInFlight,
		Guarantee:   publisher.GuaranteeFromQoS(cfg.MQTT.QoS),
		Registerer:  reg,
	}
	if recorder != nil {
		opts.Recorder = recorder
	}
	if influxClient != nil {
		opts.Mirror = bridge.NewInfluxMirror(influxClient)
	}
	server, err := bridge.NewServer(opts)
	if err != nil {
		return fmt.Errorf("creating coap server: %w", err)
	}

	health := bridge.NewHealthReporter(bridge.HealthReporterConfig{
		BridgeID:  cfg.Bridge.ID,
		Version:   version,
		Topic:     mqttClient.Topics().Health(),
		Interval:  cfg.Bridge.HealthInterval,
		Publisher: mqttClient,
		Source:    server,
		Logger:    log,
	})

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			Logger:    log,
			Version:   version,
			Bridge:    server,
			Sessions:  table,
			Publisher: pub,
			Broker:    mqttClient,
			Gatherer:  reg,
		}
		if recorder != nil {
			deps.Devices = recorder
			deps.Database = db
		}
		if influxClient != nil {
			deps.InfluxDB = influxClient
		}
		apiServer, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	// The publisher stops last among the runtime components so readings
	// acknowledged during shutdown are still flushed.
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("starting publisher: %w", err)
	}
	defer pub.Stop()

	if err := table.Start(ctx); err != nil {
		return fmt.Errorf("starting session table: %w", err)
	}
	defer table.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	health.Start(gctx)
	defer health.Stop()

	log.Info("coap bridge running",
		"coap", cfg.CoAPAddr(),
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"categories", server.Categories(),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("coap server: %w", err)
	}

	log.Info("shutting down coap bridge", "stats", server.Stats())
	return nil
}

// rollbackRegistry reverts the newest device registry migration. It
// backs the -migrate-down flag and never starts the bridge.
func rollbackRegistry(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // The process exits next

	reverted, err := db.MigrateDown(ctx, migrations.FS)
	if err != nil {
		return fmt.Errorf("reverting migration: %w", err)
	}
	if reverted == "" {
		log.Info("no registry migrations to revert", "path", db.Path())
		return nil
	}
	log.Info("registry migration reverted", "version", reverted, "path", db.Path())
	return nil
}

// resolveBroker fails when the broker host has no addresses.
func resolveBroker(ctx context.Context, host string) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var r net.Resolver
	if _, err := r.LookupHost(ctx, host); err != nil {
		return fmt.Errorf("resolving mqtt broker %q: %w", host, err)
	}
	return nil
}

// getConfigPath returns the flag value, then the environment variable,
// then "" (environment-only configuration).
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(configEnvVar)
}
