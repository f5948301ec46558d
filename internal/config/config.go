// Package config loads genpickle settings from an optional YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ddn0/cloudpickle-generators/generators"
	"github.com/ddn0/cloudpickle-generators/pickle"
)

type Config struct {
	LogLevel        string `yaml:"log_level"`
	Compression     string `yaml:"compression"`
	Trace           bool   `yaml:"trace"`
	LayoutCacheSize int    `yaml:"layout_cache_size"`
}

// Default is the configuration used when no file is given. Fields missing
// from a file keep these values.
func Default() Config {
	return Config{
		LogLevel:        "info",
		Compression:     pickle.DefaultCompression.String(),
		LayoutCacheSize: generators.DefaultLayoutCacheSize,
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if _, err := pickle.ParseCompression(c.Compression); err != nil {
		return err
	}
	if c.LayoutCacheSize <= 0 {
		return fmt.Errorf("layout_cache_size must be positive, got %d", c.LayoutCacheSize)
	}
	return nil
}

// CompressionType is the parsed Compression field. Call after Validate.
func (c Config) CompressionType() pickle.CompressionType {
	t, err := pickle.ParseCompression(c.Compression)
	if err != nil {
		return pickle.DefaultCompression
	}
	return t
}
