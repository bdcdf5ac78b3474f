// Package config loads the lstored configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sushant-115/lstore/pkg/logger"
	"github.com/sushant-115/lstore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Merge     MergeConfig      `yaml:"merge"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type StorageConfig struct {
	// DataDir holds page files and the catalog.
	DataDir string `yaml:"data_dir"`
	// BufferPoolSize is the number of pages cached in memory.
	BufferPoolSize int `yaml:"buffer_pool_size"`
	// PageCapacity is the number of 8-byte slots per page.
	PageCapacity int `yaml:"page_capacity"`
}

type MergeConfig struct {
	// Interval between background merge passes; 0 disables them.
	Interval time.Duration `yaml:"interval"`
	// TailRecordThreshold is the tail backlog that makes a table due.
	TailRecordThreshold int `yaml:"tail_record_threshold"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataDir:        "./data",
			BufferPoolSize: 256,
			PageCapacity:   512,
		},
		Merge: MergeConfig{
			Interval:            30 * time.Second,
			TailRecordThreshold: 512,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "lstored",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir must be set"))
	}
	if c.Storage.BufferPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.buffer_pool_size must be positive, got %d", c.Storage.BufferPoolSize))
	}
	if c.Storage.PageCapacity <= 0 {
		errs = append(errs, fmt.Errorf("storage.page_capacity must be positive, got %d", c.Storage.PageCapacity))
	}
	if c.Merge.Interval < 0 {
		errs = append(errs, fmt.Errorf("merge.interval must not be negative, got %s", c.Merge.Interval))
	}
	if c.Merge.TailRecordThreshold < 0 {
		errs = append(errs, fmt.Errorf("merge.tail_record_threshold must not be negative, got %d", c.Merge.TailRecordThreshold))
	}
	if c.Telemetry.Enabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		errs = append(errs, fmt.Errorf("telemetry.prometheus_port %d out of range", c.Telemetry.PrometheusPort))
	}
	return errors.Join(errs...)
}
