// Package daemon manages the hydrotwin daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration. Simulator and monitor options are
// not configured here; they arrive per start request through the API.
type Config struct {
	API       APIConfig       `toml:"api"`
	Data      DataConfig      `toml:"data"`
	Retention RetentionConfig `toml:"retention"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DataConfig controls on-disk storage locations.
type DataConfig struct {
	Dir string `toml:"dir"`
}

// RetentionConfig controls the scheduled purge of aged time-series rows.
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Days     int    `toml:"days"`
	Schedule string `toml:"schedule"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Data: DataConfig{
			Dir: hydrotwinHome(),
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Days:     7,
			Schedule: "30 3 * * *",
		},
		Telemetry: TelemetryConfig{
			Prometheus: false, // Opt-in: expose /metrics
		},
	}
}

// LoadConfig reads config from $HYDROTWIN_HOME/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(hydrotwinHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet — use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $HYDROTWIN_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(hydrotwinHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// hydrotwinHome returns the hydrotwin data directory.
func hydrotwinHome() string {
	if env := os.Getenv("HYDROTWIN_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hydrotwin")
}
