package config

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/meidoworks/nekoq-coord/api"
)

const (
	RetryFixed              = "fixed"
	RetryExponentialBackoff = "exponential_backoff"
	RetryBounded            = "bounded"
	RetryNone               = "none"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type CoordConfig struct {
	Ensemble   EnsembleConfig   `toml:"ensemble"`
	Threads    ThreadsConfig    `toml:"threads"`
	Serializer SerializerConfig `toml:"serializer"`
	Election   ElectionConfig   `toml:"election"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Log        LogConfig        `toml:"log"`
}

type EnsembleConfig struct {
	// Servers lists host:port pairs, or a single "embedded" / "embedded:<data dir>" entry.
	Servers             []string    `toml:"servers"`
	Namespace           string      `toml:"namespace"`
	SessionTimeoutMs    int         `toml:"session_timeout_ms"`
	ConnectionTimeoutMs int         `toml:"connection_timeout_ms"`
	// ReadOnly lets the client accept sessions from a read-only ensemble member.
	ReadOnly            bool        `toml:"read_only"`
	Retry               RetryConfig `toml:"retry"`
}

type RetryConfig struct {
	Type                  string `toml:"type"`
	RetryCount            int    `toml:"retry_count"`
	SleepMsBetweenRetries int    `toml:"sleep_ms_between_retries"`
}

type ThreadsConfig struct {
	Name            string `toml:"name"`
	CorePoolSize    int    `toml:"core_pool_size"`
	MaximumPoolSize int    `toml:"maximum_pool_size"`
	KeepAliveMs     int    `toml:"keep_alive_ms"`
	WorkQueueSize   int    `toml:"work_queue_size"`
}

type SerializerConfig struct {
	Type     string `toml:"type"`
	Compress bool   `toml:"compress"`
}

type ElectionConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	ParticipantId string `toml:"participant_id"`
}

type GatewayConfig struct {
	Disable        bool   `toml:"disable"`
	Listen         string `toml:"listen"`
	MaxConnections int    `toml:"max_connections"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a fresh copy of the default configuration.
func Default() *CoordConfig {
	return &CoordConfig{
		Ensemble: EnsembleConfig{
			Servers:             []string{"127.0.0.1:2181"},
			Namespace:           "nekoq",
			SessionTimeoutMs:    60000,
			ConnectionTimeoutMs: 60000,
			Retry: RetryConfig{
				Type:                  RetryExponentialBackoff,
				RetryCount:            3,
				SleepMsBetweenRetries: 1000,
			},
		},
		Threads: ThreadsConfig{
			Name:            "NekoqCoord",
			CorePoolSize:    runtime.NumCPU(),
			MaximumPoolSize: runtime.NumCPU(),
			WorkQueueSize:   1024,
		},
		Serializer: SerializerConfig{
			Type: "cbor",
		},
		Election: ElectionConfig{
			Path: "/election/leader",
		},
		Gateway: GatewayConfig{
			Disable:        true,
			Listen:         ":9310",
			MaxConnections: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(Default())
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err != nil {
		return err
	}
	return nil
}

// Parse reads a TOML document on top of the defaults and validates the result.
func Parse(data []byte) (*CoordConfig, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.MergeDefault()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(fs afero.Fs, name string) (*CoordConfig, error) {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// MergeDefault fills fields left at their zero value with the defaults.
func (c *CoordConfig) MergeDefault() {
	def := Default()
	if len(c.Ensemble.Servers) == 0 {
		c.Ensemble.Servers = def.Ensemble.Servers
	}
	if c.Ensemble.Retry.Type == "" {
		c.Ensemble.Retry.Type = def.Ensemble.Retry.Type
	}
	if c.Threads.Name == "" {
		c.Threads.Name = def.Threads.Name
	}
	if c.Threads.CorePoolSize == 0 {
		c.Threads.CorePoolSize = def.Threads.CorePoolSize
	}
	if c.Threads.MaximumPoolSize == 0 {
		c.Threads.MaximumPoolSize = c.Threads.CorePoolSize
	}
	if c.Threads.WorkQueueSize == 0 {
		c.Threads.WorkQueueSize = def.Threads.WorkQueueSize
	}
	if c.Serializer.Type == "" {
		c.Serializer.Type = def.Serializer.Type
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = def.Gateway.Listen
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate reports every problem of the configuration at once.
func (c *CoordConfig) Validate() error {
	var err error
	if len(c.Ensemble.Servers) == 0 || strings.TrimSpace(c.Ensemble.Servers[0]) == "" {
		err = multierr.Append(err, invalid("ensemble must have at least one server"))
	}
	if strings.TrimSpace(c.Ensemble.Namespace) == "" {
		err = multierr.Append(err, invalid("ensemble namespace must not be empty"))
	}
	if c.Ensemble.SessionTimeoutMs <= 0 {
		err = multierr.Append(err, invalid("session timeout must be greater than 0"))
	}
	if c.Ensemble.ConnectionTimeoutMs <= 0 {
		err = multierr.Append(err, invalid("connection timeout must be greater than 0"))
	}
	switch c.Ensemble.Retry.Type {
	case RetryFixed, RetryExponentialBackoff, RetryBounded, RetryNone:
	default:
		err = multierr.Append(err, invalid("unknown retry type %q", c.Ensemble.Retry.Type))
	}
	if c.Ensemble.Retry.RetryCount < 0 || c.Ensemble.Retry.SleepMsBetweenRetries < 0 {
		err = multierr.Append(err, invalid("retry count and sleep must not be negative"))
	}
	if c.Threads.CorePoolSize <= 0 || c.Threads.MaximumPoolSize < c.Threads.CorePoolSize {
		err = multierr.Append(err, invalid("thread pool sizes must satisfy 0 < core <= maximum"))
	}
	if c.Threads.WorkQueueSize <= 0 {
		err = multierr.Append(err, invalid("work queue size must be greater than 0"))
	}
	switch strings.ToLower(c.Serializer.Type) {
	case "cbor", "gob", "json":
	default:
		err = multierr.Append(err, invalid("unknown serializer %q", c.Serializer.Type))
	}
	if c.Election.Enabled && strings.TrimSpace(c.Election.Path) == "" {
		err = multierr.Append(err, invalid("election path is required when election is enabled"))
	}
	if !c.Gateway.Disable && c.Gateway.MaxConnections < 0 {
		err = multierr.Append(err, invalid("gateway max connections must not be negative"))
	}
	return err
}

// Embedded reports whether the embedded ensemble is configured, and its data directory if any.
func (e EnsembleConfig) Embedded() (bool, string) {
	if len(e.Servers) != 1 {
		return false, ""
	}
	server := e.Servers[0]
	if server == api.EmbeddedEnsembleAddress {
		return true, ""
	}
	if strings.HasPrefix(server, api.EmbeddedEnsembleAddress+":") {
		return true, strings.TrimPrefix(server, api.EmbeddedEnsembleAddress+":")
	}
	return false, ""
}

func (e EnsembleConfig) SessionTimeout() time.Duration {
	return time.Duration(e.SessionTimeoutMs) * time.Millisecond
}

func (e EnsembleConfig) ConnectionTimeout() time.Duration {
	return time.Duration(e.ConnectionTimeoutMs) * time.Millisecond
}

func (r RetryConfig) Sleep() time.Duration {
	return time.Duration(r.SleepMsBetweenRetries) * time.Millisecond
}

func (t ThreadsConfig) KeepAlive() time.Duration {
	return time.Duration(t.KeepAliveMs) * time.Millisecond
}
