// Package config loads Colony settings from defaults, a YAML (or JSON) file
// and COLONY_* environment variables, and turns them into flow options,
// a logger and the configured sinks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	natsconn "github.com/wehubfusion/Colony/internal/nats"
	"github.com/wehubfusion/Colony/internal/tracing"
	"github.com/wehubfusion/Colony/pkg/bus"
	"github.com/wehubfusion/Colony/pkg/flow"
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverAzBlob = "azblob"
)

// Config is the root configuration
type Config struct {
	Flow    FlowConfig     `yaml:"flow" json:"flow"`
	Logging LoggingConfig  `yaml:"logging" json:"logging"`
	Tracing tracing.Config `yaml:"tracing" json:"tracing"`
	NATS    NATSConfig     `yaml:"nats" json:"nats"`
	State   StateConfig    `yaml:"state" json:"state"`
}

// FlowConfig mirrors flow.Options
type FlowConfig struct {
	QueueMaxSize       int           `yaml:"queue_max_size" json:"queue_max_size" validate:"gte=1"`
	MaxPendingPerTrace int           `yaml:"max_pending_per_trace" json:"max_pending_per_trace" validate:"gte=0"`
	AllowCycles        bool          `yaml:"allow_cycles" json:"allow_cycles"`
	EmitErrors         bool          `yaml:"emit_errors" json:"emit_errors"`
	StopTimeout        time.Duration `yaml:"stop_timeout" json:"stop_timeout" validate:"gt=0"`

	// NodePolicy is applied to nodes built from configuration, such as scripts
	NodePolicy flow.Policy `yaml:"node_policy" json:"node_policy"`
}

// LoggingConfig selects the zap logger
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format      string `yaml:"format" json:"format" validate:"oneof=json console"`
	Development bool   `yaml:"development" json:"development"`
}

// NATSConfig enables the message bus sink
type NATSConfig struct {
	Enabled    bool                      `yaml:"enabled" json:"enabled"`
	Connection natsconn.ConnectionConfig `yaml:"connection" json:"connection"`
	Bus        bus.Config                `yaml:"bus" json:"bus"`
}

// StateConfig selects the durable state store
type StateConfig struct {
	Driver                string `yaml:"driver" json:"driver" validate:"oneof=none memory sqlite azblob"`
	SQLitePath            string `yaml:"sqlite_path" json:"sqlite_path" validate:"required_if=Driver sqlite"`
	AzureConnectionString string `yaml:"azure_connection_string" json:"azure_connection_string" validate:"required_if=Driver azblob"`
	AzureContainer        string `yaml:"azure_container" json:"azure_container" validate:"required_if=Driver azblob"`
	Prefix                string `yaml:"prefix" json:"prefix"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	opts := flow.DefaultOptions()
	return &Config{
		Flow: FlowConfig{
			QueueMaxSize:       opts.QueueMaxSize,
			MaxPendingPerTrace: opts.MaxPendingPerTrace,
			StopTimeout:        opts.StopTimeout,
			NodePolicy:         flow.DefaultPolicy(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: func() tracing.Config {
			t := tracing.DefaultConfig("colony")
			t.Protocol = tracing.ProtocolNone
			return t
		}(),
		NATS: NATSConfig{
			Connection: *natsconn.DefaultConnectionConfig("nats://127.0.0.1:4222"),
			Bus:        bus.DefaultConfig(),
		},
		State: StateConfig{
			Driver:     DriverMemory,
			SQLitePath: "colony.db",
		},
	}
}

// Load reads configuration with priority: env vars > file > defaults.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("invalid config: tracing: %w", err)
	}
	if c.NATS.Enabled && c.NATS.Connection.URL == "" {
		return fmt.Errorf("invalid config: nats.connection.url is required when nats is enabled")
	}
	return nil
}

// FlowOptions translates the flow section into flow options.
func (c *Config) FlowOptions() []flow.Option {
	return []flow.Option{
		flow.WithQueueMaxSize(c.Flow.QueueMaxSize),
		flow.WithMaxPendingPerTrace(c.Flow.MaxPendingPerTrace),
		flow.WithAllowCycles(c.Flow.AllowCycles),
		flow.WithEmitErrors(c.Flow.EmitErrors),
		flow.WithStopTimeout(c.Flow.StopTimeout),
	}
}

func (c *Config) applyEnv() error {
	c.Logging.Level = getEnv("COLONY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("COLONY_LOG_FORMAT", c.Logging.Format)

	var err error
	if c.Flow.QueueMaxSize, err = getEnvInt("COLONY_QUEUE_MAX_SIZE", c.Flow.QueueMaxSize); err != nil {
		return err
	}
	if c.Flow.MaxPendingPerTrace, err = getEnvInt("COLONY_MAX_PENDING_PER_TRACE", c.Flow.MaxPendingPerTrace); err != nil {
		return err
	}
	if c.Flow.EmitErrors, err = getEnvBool("COLONY_EMIT_ERRORS", c.Flow.EmitErrors); err != nil {
		return err
	}
	if c.Flow.AllowCycles, err = getEnvBool("COLONY_ALLOW_CYCLES", c.Flow.AllowCycles); err != nil {
		return err
	}

	if url := os.Getenv("COLONY_NATS_URL"); url != "" {
		c.NATS.Enabled = true
		c.NATS.Connection.URL = url
	}
	c.NATS.Connection.Token = getEnv("COLONY_NATS_TOKEN", c.NATS.Connection.Token)

	c.State.Driver = strings.ToLower(getEnv("COLONY_STATE_DRIVER", c.State.Driver))
	c.State.SQLitePath = getEnv("COLONY_SQLITE_PATH", c.State.SQLitePath)
	c.State.AzureConnectionString = getEnv("COLONY_AZURE_CONNECTION_STRING", c.State.AzureConnectionString)
	c.State.AzureContainer = getEnv("COLONY_AZURE_CONTAINER", c.State.AzureContainer)

	c.Tracing.Protocol = getEnv("COLONY_TRACING_PROTOCOL", c.Tracing.Protocol)
	c.Tracing.OTLPEndpoint = getEnv("COLONY_OTLP_ENDPOINT", c.Tracing.OTLPEndpoint)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
