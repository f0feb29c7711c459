// Package config provides configuration loading for slidereviewd.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Snapshot      SnapshotConfig      `koanf:"snapshot"`
	Queue         QueueConfig         `koanf:"queue"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// RateLimit is the per-client request rate (requests/second) enforced
	// by the API middleware. Zero disables rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
}

// SnapshotConfig locates the CSV snapshot and its side artifacts.
type SnapshotConfig struct {
	// Path is the CSV snapshot of record under review.
	Path string `koanf:"path"`

	// BackupDir receives timestamped copies before every post-edit save.
	BackupDir string `koanf:"backup_dir"`

	// ImageDir is the base directory holding label/, macro/ and thumbnail/
	// crops referenced by record identifiers.
	ImageDir string `koanf:"image_dir"`
}

// QueueConfig holds review-queue settings.
type QueueConfig struct {
	// DBPath is the SQLite database backing the queue item table.
	DBPath string `koanf:"db_path"`

	// LeaseDuration bounds how long a reviewer holds an item before the
	// lease is considered expired and the item returns to the queue.
	LeaseDuration Duration `koanf:"lease_duration"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig configures the OTLP exporters.
type ObservabilityConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8760
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Snapshot.Path == "" {
		cfg.Snapshot.Path = "data/combined_data_ocr_processed.csv"
	}
	if cfg.Snapshot.BackupDir == "" {
		cfg.Snapshot.BackupDir = "csv_backups"
	}
	if cfg.Snapshot.ImageDir == "" {
		cfg.Snapshot.ImageDir = "data"
	}

	if cfg.Queue.DBPath == "" {
		cfg.Queue.DBPath = "queue.db"
	}
	if cfg.Queue.LeaseDuration == 0 {
		cfg.Queue.LeaseDuration = Duration(300 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "slidereviewd"
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = "0.1.0"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Observability.ExportInterval == 0 {
		cfg.Observability.ExportInterval = Duration(15 * time.Second)
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit cannot be negative")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot path is required")
	}
	if c.Snapshot.BackupDir == "" {
		return fmt.Errorf("snapshot backup_dir is required")
	}
	if c.Queue.LeaseDuration.Duration() <= 0 {
		return fmt.Errorf("queue lease_duration must be > 0")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Observability.Enabled {
		if c.Observability.Endpoint == "" {
			return fmt.Errorf("observability endpoint is required when enabled")
		}
		if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
			return fmt.Errorf("observability sampling_rate must be within [0,1]")
		}
	}
	return nil
}

// EnsureDirs creates the directories the daemon writes to.
// Created with 0750 so backups are not world-readable.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Snapshot.BackupDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
