// Package config loads the server configuration from YAML with sane
// defaults for every knob.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/efecan0/binaryrpc-framework/qos"
	"github.com/efecan0/binaryrpc-framework/session"
)

// Config holds all configuration for a binaryrpc server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Reliable ReliableConfig `yaml:"reliable"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds transport-level settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Workers         int           `yaml:"workers"`
	WorkerQueueSize int           `yaml:"worker_queue_size"`
}

// ReliableConfig holds the QoS knobs.
type ReliableConfig struct {
	// Level is one of none, at_least_once, exactly_once.
	Level                string        `yaml:"level"`
	BaseRetry            time.Duration `yaml:"base_retry"`
	MaxRetry             uint32        `yaml:"max_retry"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	DuplicateTTL         time.Duration `yaml:"duplicate_ttl"`
	// Backoff is linear or exponential.
	Backoff              string        `yaml:"backoff"`
	EnableCompression    bool          `yaml:"enable_compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	MaxSendQueueSize     int           `yaml:"max_send_queue_size"`
}

// SessionConfig holds session retention and offline queue settings.
type SessionConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	MaxQueuePerSession int           `yaml:"max_queue_per_session"`
	MaxTotalQueued     int           `yaml:"max_total_queued"`
	MessageTTL         time.Duration `yaml:"message_ttl"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, tint
}

// MetricsConfig holds OpenTelemetry settings.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9000",
			IdleTimeout:     60 * time.Second,
			MaxPayloadBytes: 1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Reliable: ReliableConfig{
			Level:                "none",
			BaseRetry:            100 * time.Millisecond,
			MaxRetry:             3,
			MaxBackoff:           time.Second,
			DuplicateTTL:         5 * time.Second,
			Backoff:              "exponential",
			CompressionThreshold: 1024,
			MaxSendQueueSize:     1000,
		},
		Session: SessionConfig{
			TTL:                15 * time.Minute,
			MaxQueuePerSession: 1000,
			MaxTotalQueued:     100000,
			MessageTTL:         24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			ServiceName:    "binaryrpc",
			ServiceVersion: "0.1.0",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Reliable.Level {
	case "none", "at_least_once", "exactly_once":
	default:
		return fmt.Errorf("reliable.level %q: want none, at_least_once or exactly_once", c.Reliable.Level)
	}
	switch c.Reliable.Backoff {
	case "", "linear", "exponential":
	default:
		return fmt.Errorf("reliable.backoff %q: want linear or exponential", c.Reliable.Backoff)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	return nil
}

// ReliableOptions converts the config into transport options.
func (c *Config) ReliableOptions() qos.ReliableOptions {
	opts := qos.ReliableOptions{
		BaseRetry:            c.Reliable.BaseRetry,
		MaxRetry:             c.Reliable.MaxRetry,
		MaxBackoff:           c.Reliable.MaxBackoff,
		SessionTTL:           c.Session.TTL,
		DuplicateTTL:         c.Reliable.DuplicateTTL,
		EnableCompression:    c.Reliable.EnableCompression,
		CompressionThreshold: c.Reliable.CompressionThreshold,
		MaxSendQueueSize:     c.Reliable.MaxSendQueueSize,
	}

	switch c.Reliable.Level {
	case "at_least_once":
		opts.Level = qos.AtLeastOnce
	case "exactly_once":
		opts.Level = qos.ExactlyOnce
	default:
		opts.Level = qos.None
	}

	if c.Reliable.Backoff == "linear" {
		opts.Backoff = qos.NewLinearBackoff(opts.BaseRetry, opts.MaxBackoff)
	}

	opts.Normalize()
	return opts
}

// SessionOptions converts the config into session manager options.
func (c *Config) SessionOptions() session.ManagerOptions {
	return session.ManagerOptions{
		SessionTTL:         c.Session.TTL,
		DuplicateTTL:       c.Reliable.DuplicateTTL,
		MaxQueuePerSession: c.Session.MaxQueuePerSession,
		MaxTotalQueued:     c.Session.MaxTotalQueued,
		MessageTTL:         c.Session.MessageTTL,
	}
}
