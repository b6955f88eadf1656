// Package config provides hierarchical configuration for replay jobs.
// Priority: defaults < user file < project file (or an explicit file) < env < flags
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SIMLOG_"

// Config holds all simlog configuration.
type Config struct {
	Version int `yaml:"version"`

	Input     InputConfig     `yaml:"input" envPrefix:"INPUT_"`
	Output    OutputConfig    `yaml:"output" envPrefix:"OUTPUT_"`
	Batch     BatchConfig     `yaml:"batch" envPrefix:"BATCH_"`
	Watch     WatchConfig     `yaml:"watch" envPrefix:"WATCH_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// InputConfig locates one run's simulation output.
type InputConfig struct {
	Dir       string `yaml:"dir" env:"DIR"`
	Stream    string `yaml:"stream" env:"STREAM"`
	Shards    int    `yaml:"shards" env:"SHARDS"`
	Extension string `yaml:"extension" env:"EXTENSION"` // binpb | binpb.zst
	IDs       string `yaml:"ids" env:"IDS"`             // snapshot path; empty = *.ids.binpb in Dir
}

// OutputConfig controls the written tables.
type OutputConfig struct {
	Dir         string   `yaml:"dir" env:"DIR"` // empty = Input.Dir
	Format      string   `yaml:"format" env:"FORMAT"`
	Compression string   `yaml:"compression" env:"COMPRESSION"` // parquet only
	BatchSize   int      `yaml:"batch_size" env:"BATCH_SIZE"`
	Analyses    []string `yaml:"analyses" env:"ANALYSES" envSeparator:","`
	Manifest    bool     `yaml:"manifest" env:"MANIFEST"`
}

// BatchConfig controls batch mode.
type BatchConfig struct {
	Parallelism int `yaml:"parallelism" env:"PARALLELISM"` // 0 = number of CPUs
}

// WatchConfig controls waiting for a run's artifacts.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// StorageConfig holds optional upload targets.
type StorageConfig struct {
	S3 S3Config `yaml:"s3" envPrefix:"S3_"`
}

// S3Config configures upload of outputs to S3 or a compatible store.
type S3Config struct {
	Bucket       string `yaml:"bucket" env:"BUCKET"` // empty = no upload
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	Region       string `yaml:"region" env:"REGION"`
	Endpoint     string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey    string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint   string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure   bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Input: InputConfig{
			Dir:       ".",
			Stream:    "events",
			Shards:    1,
			Extension: "binpb",
		},
		Output: OutputConfig{
			Format:      "csv",
			Compression: "snappy",
			BatchSize:   8192,
			Analyses:    []string{"activities"},
			Manifest:    true,
		},
		Watch: WatchConfig{
			Timeout:  30 * time.Minute,
			Debounce: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// SearchPaths returns the config files consulted when no explicit file is
// given, lowest priority first.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".simlog", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "simlog.yaml"))
	}
	return paths
}

// Load builds the configuration. With an explicit path that file must exist;
// otherwise the search paths are merged when present. The environment is
// applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else {
		for _, p := range SearchPaths() {
			if err := cfg.loadFile(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config %s: %w", p, err)
			}
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays SIMLOG_* environment variables onto cfg. Unset
// variables leave fields unchanged.
func ParseEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// loadFile merges one YAML file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	c.merge(&partial)
	return nil
}

// merge copies non-zero values from src into c.
func (c *Config) merge(src *Config) {
	if src.Version != 0 {
		c.Version = src.Version
	}

	// Input
	setString(&c.Input.Dir, src.Input.Dir)
	setString(&c.Input.Stream, src.Input.Stream)
	setString(&c.Input.Extension, src.Input.Extension)
	setString(&c.Input.IDs, src.Input.IDs)
	if src.Input.Shards != 0 {
		c.Input.Shards = src.Input.Shards
	}

	// Output
	setString(&c.Output.Dir, src.Output.Dir)
	setString(&c.Output.Format, src.Output.Format)
	setString(&c.Output.Compression, src.Output.Compression)
	if src.Output.BatchSize != 0 {
		c.Output.BatchSize = src.Output.BatchSize
	}
	if len(src.Output.Analyses) > 0 {
		c.Output.Analyses = src.Output.Analyses
	}
	if src.Output.Manifest {
		c.Output.Manifest = true
	}

	// Batch
	if src.Batch.Parallelism != 0 {
		c.Batch.Parallelism = src.Batch.Parallelism
	}

	// Watch
	if src.Watch.Enabled {
		c.Watch.Enabled = true
	}
	if src.Watch.Timeout != 0 {
		c.Watch.Timeout = src.Watch.Timeout
	}
	if src.Watch.Debounce != 0 {
		c.Watch.Debounce = src.Watch.Debounce
	}

	// Log
	setString(&c.Log.Level, src.Log.Level)
	setString(&c.Log.Format, src.Log.Format)

	// Storage
	s3 := src.Storage.S3
	setString(&c.Storage.S3.Bucket, s3.Bucket)
	setString(&c.Storage.S3.Prefix, s3.Prefix)
	setString(&c.Storage.S3.Region, s3.Region)
	setString(&c.Storage.S3.Endpoint, s3.Endpoint)
	setString(&c.Storage.S3.AccessKey, s3.AccessKey)
	setString(&c.Storage.S3.SecretKey, s3.SecretKey)
	if s3.UsePathStyle {
		c.Storage.S3.UsePathStyle = true
	}

	// Telemetry
	if src.Telemetry.Enabled {
		c.Telemetry.Enabled = true
	}
	setString(&c.Telemetry.Endpoint, src.Telemetry.Endpoint)
	if src.Telemetry.SampleRate != 0 {
		c.Telemetry.SampleRate = src.Telemetry.SampleRate
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.Input.Shards < 1 {
		errs = append(errs, fmt.Errorf("input.shards must be at least 1, got %d", c.Input.Shards))
	}
	if c.Input.Stream == "" {
		errs = append(errs, errors.New("input.stream is empty"))
	}
	switch strings.ToLower(c.Output.Format) {
	case "csv", "parquet", "xlsx", "duckdb":
	default:
		errs = append(errs, fmt.Errorf("output.format %q is not csv, parquet, xlsx or duckdb", c.Output.Format))
	}
	if len(c.Output.Analyses) == 0 {
		errs = append(errs, errors.New("output.analyses is empty"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OutputDir returns the output directory, defaulting to the input directory.
func (c *Config) OutputDir() string {
	if c.Output.Dir != "" {
		return c.Output.Dir
	}
	return c.Input.Dir
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Save writes c as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
