// Package config loads backfs configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the BACKFS_CONFIG environment variable. Values not present in the file keep
// the defaults from Default. ${VAR} references in paths are expanded.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"backfs/internal/blob"
	"backfs/internal/logging"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "BACKFS_CONFIG"

// Config is the top-level backfs configuration.
type Config struct {
	// ScratchDir is where write blobs are stored. It is created on
	// startup; failure to create it aborts the run.
	ScratchDir string `yaml:"scratch_dir"`

	// Blobs configures how blobs are written and read back.
	Blobs BlobsConfig `yaml:"blobs"`

	// LogLevel is one of ERROR, WARN, INFO, DEBUG, TRACE.
	LogLevel string `yaml:"log_level"`
}

// BlobsConfig configures the blob store.
type BlobsConfig struct {
	// Compression is none, lz4 or zstd. Default: none.
	Compression string `yaml:"compression"`

	// Sync fsyncs every blob before the write returns.
	Sync bool `yaml:"sync"`

	// Verify checks the digest of the whole blob on every read.
	Verify bool `yaml:"verify"`
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ScratchDir: filepath.Join(homeDir, ".cache", "backfs", "writecache"),
		Blobs: BlobsConfig{
			Compression: blob.CompressionNone.String(),
		},
		LogLevel: logging.LevelInfo.String(),
	}
}

// Load loads configuration from the file named by BACKFS_CONFIG. When the
// variable is unset the defaults are returned.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ScratchDir = os.ExpandEnv(cfg.ScratchDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	var errs []error
	if c.ScratchDir == "" {
		errs = append(errs, errors.New("scratch_dir is required"))
	}
	if _, err := blob.ParseCompression(c.Blobs.Compression); err != nil {
		errs = append(errs, fmt.Errorf("blobs.compression: %w", err))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// BlobOptions converts the blob section into store options. Call Validate
// first; an invalid compression name falls back to none.
func (c *Config) BlobOptions() blob.Options {
	compression, _ := blob.ParseCompression(c.Blobs.Compression)
	return blob.Options{
		Compression: compression,
		Sync:        c.Blobs.Sync,
		Verify:      c.Blobs.Verify,
	}
}

// Level returns the configured log level, INFO when it does not parse.
func (c *Config) Level() logging.LogLevel {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}
