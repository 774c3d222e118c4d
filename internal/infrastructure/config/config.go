package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the CoAP bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	CoAP        CoAPConfig        `yaml:"coap"`
	Session     SessionConfig     `yaml:"session"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Translation TranslationConfig `yaml:"translation"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	API         APIConfig         `yaml:"api"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance on the broker.
type BridgeConfig struct {
	ID             string        `yaml:"id"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// CoAPConfig contains the UDP listener settings.
type CoAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Network is "udp" (dual-stack), "udp4" or "udp6".
	Network string `yaml:"network"`

	// MaxInFlight bounds the number of datagrams handled concurrently.
	MaxInFlight int `yaml:"max_in_flight"`

	// Categories are the first path segments bridged to the broker.
	Categories []string `yaml:"categories"`
}

// SessionConfig contains deduplication table settings.
type SessionConfig struct {
	Lifetime      time.Duration `yaml:"lifetime"`
	Capacity      int           `yaml:"capacity"`
	Shards        int           `yaml:"shards"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PublisherConfig contains outbound buffer settings.
type PublisherConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DatabaseConfig contains SQLite settings for the device registry.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection backoff bounds in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// TranslationConfig is the declarative payload mapping.
type TranslationConfig struct {
	// IdentityKey names the top-level field carrying the device MAC.
	IdentityKey string `yaml:"identity_key"`

	// PathPrefix is stripped from the Uri-Path before it is split.
	PathPrefix string `yaml:"path_prefix"`

	// Fields maps top-level keys to a target name and destination.
	Fields map[string]FieldRuleConfig `yaml:"fields"`

	// Neighbor renames keys inside neighbor table elements.
	Neighbor map[string]string `yaml:"neighbor"`

	// Locations maps normalized MAC addresses to room labels.
	Locations map[string]string `yaml:"locations"`
}

// FieldRuleConfig is one entry of TranslationConfig.Fields.
type FieldRuleConfig struct {
	Target      string `yaml:"target"`
	Destination string `yaml:"destination"` // "flat" or "neighbor"
}

// InfluxDBConfig contains the optional direct mirror settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, when path is not empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern COAPBRIDGE_SECTION_KEY. The
// unprefixed names used by the original container deployment
// (COAP_BIND_NAME, COAP_PORT, MQTT_SERVER, MQTT_PORT, MQTT_USER,
// MQTT_PASSWORD) are also honoured; the prefixed form wins.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for env-only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	envErrs := applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = "coap-bridge-" + uuid.NewString()[:8]
	}
	if cfg.Bridge.ID == "" {
		cfg.Bridge.ID = cfg.MQTT.Broker.ClientID
	}

	if len(envErrs) > 0 {
		return nil, fmt.Errorf("validating config: configuration errors: %s", strings.Join(envErrs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			HealthInterval: 30 * time.Second,
		},
		CoAP: CoAPConfig{
			Host:        "",
			Port:        5683,
			Network:     "udp",
			MaxInFlight: 1024,
			Categories:  []string{"sensor"},
		},
		Session: SessionConfig{
			Lifetime:      60 * time.Second,
			Capacity:      10000,
			Shards:        32,
			SweepInterval: 10 * time.Second,
		},
		Publisher: PublisherConfig{
			QueueSize:    1000,
			DrainTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "mosquitto",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Translation: TranslationConfig{
			IdentityKey: "mac_addr",
			Fields: map[string]FieldRuleConfig{
				"neighbor_rssi": {Target: "neighbor_rssi", Destination: "neighbor"},
			},
			Neighbor: map[string]string{
				"MAC":      "neighbor_mac",
				"RSSI_AVG": "rssi_avg",
			},
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/coapbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration and returns a description of every value it could not parse.
func applyEnvOverrides(cfg *Config) []string {
	var errs []string

	str := func(dst *string, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			*dst = v
		}
	}
	num := func(dst *int, names ...string) {
		if v, ok := lookupEnv(names...); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", names[0], v))
				return
			}
			*dst = n
		}
	}

	// CoAP listener
	str(&cfg.CoAP.Host, "COAPBRIDGE_COAP_HOST", "COAP_BIND_NAME")
	num(&cfg.CoAP.Port, "COAPBRIDGE_COAP_PORT", "COAP_PORT")
	str(&cfg.CoAP.Network, "COAPBRIDGE_COAP_NETWORK")

	// MQTT
	str(&cfg.MQTT.Broker.Host, "COAPBRIDGE_MQTT_HOST", "MQTT_SERVER")
	num(&cfg.MQTT.Broker.Port, "COAPBRIDGE_MQTT_PORT", "MQTT_PORT")
	str(&cfg.MQTT.Auth.Username, "COAPBRIDGE_MQTT_USERNAME", "MQTT_USER")
	str(&cfg.MQTT.Auth.Password, "COAPBRIDGE_MQTT_PASSWORD", "MQTT_PASSWORD")
	str(&cfg.MQTT.Broker.ClientID, "COAPBRIDGE_MQTT_CLIENT_ID")

	// Storage
	str(&cfg.Database.Path, "COAPBRIDGE_DATABASE_PATH")
	str(&cfg.InfluxDB.Token, "COAPBRIDGE_INFLUXDB_TOKEN")

	// API and logging
	str(&cfg.API.Host, "COAPBRIDGE_API_HOST")
	num(&cfg.API.Port, "COAPBRIDGE_API_PORT")
	str(&cfg.Logging.Level, "COAPBRIDGE_LOG_LEVEL")

	return errs
}

// lookupEnv returns the first non-empty variable among names.
func lookupEnv(names ...string) (string, bool) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v, true
		}
	}
	return "", false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// CoAP
	if c.CoAP.Port < 1 || c.CoAP.Port > 65535 {
		errs = append(errs, "coap.port must be between 1 and 65535")
	}
	switch c.CoAP.Network {
	case "udp", "udp4", "udp6":
	default:
		errs = append(errs, "coap.network must be udp, udp4 or udp6")
	}
	if c.CoAP.MaxInFlight < 1 {
		errs = append(errs, "coap.max_in_flight must be positive")
	}
	if len(c.CoAP.Categories) == 0 {
		errs = append(errs, "coap.categories must name at least one category")
	}
	for _, cat := range c.CoAP.Categories {
		if cat == "" || strings.ContainsAny(cat, "/+#$") {
			errs = append(errs, fmt.Sprintf("coap.categories entry %q is not a valid path segment", cat))
		}
	}

	// Session table
	if c.Session.Lifetime <= 0 {
		errs = append(errs, "session.lifetime must be positive")
	}
	if c.Session.Capacity < 1 {
		errs = append(errs, "session.capacity must be positive")
	}
	if c.Session.Shards < 1 || c.Session.Shards > c.Session.Capacity {
		errs = append(errs, "session.shards must be between 1 and session.capacity")
	}

	// Publisher
	if c.Publisher.QueueSize < 1 {
		errs = append(errs, "publisher.queue_size must be positive")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 1 {
		errs = append(errs, "mqtt.qos must be 0 or 1")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 || c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect delays must satisfy 1 <= initial_delay <= max_delay")
	}

	// Translation
	tableKeys := 0
	for key, rule := range c.Translation.Fields {
		switch rule.Destination {
		case "neighbor":
			tableKeys++
		case "flat", "":
		default:
			errs = append(errs, fmt.Sprintf("translation.fields.%s.destination must be flat or neighbor", key))
		}
	}
	if tableKeys > 1 {
		errs = append(errs, "translation.fields may declare at most one neighbor table")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the device registry is enabled")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// CoAPAddr returns the host:port the UDP listener binds to.
func (c *Config) CoAPAddr() string {
	return fmt.Sprintf("%s:%d", bracketIPv6(c.CoAP.Host), c.CoAP.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

func bracketIPv6(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}
