// Package dconfig loads environment configuration: which backend to
// open, its connection string, and the tunables every backend honors.
package dconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete environment configuration.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BackendConfig selects and configures the record-layer backend.
type BackendConfig struct {
	Kind        string        `mapstructure:"kind"`         // "bdb" or "sql"
	ConnStr     string        `mapstructure:"conn_str"`      // directory path (bdb) or DSN (sql)
	TraceLevel  int           `mapstructure:"trace_level"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// LoggingConfig controls the environment's diagnostic trace output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// DefaultConfig returns the configuration used when no config file is
// found.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".duro")

	return &Config{
		Backend: BackendConfig{
			Kind:        "bdb",
			ConnStr:     dataDir,
			TraceLevel:  0,
			LockTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from (in order of preference) ./config.yaml,
// ~/.duro/config.yaml, /etc/duro/config.yaml, falling back to the
// DefaultConfig values when none exists. Environment variables prefixed
// DURO_ (e.g. DURO_BACKEND_KIND) override file and default values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DURO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".duro"))
	v.AddConfigPath("/etc/duro")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("dconfig: reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("dconfig: unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".duro")

	v.SetDefault("backend.kind", "bdb")
	v.SetDefault("backend.conn_str", dataDir)
	v.SetDefault("backend.trace_level", 0)
	v.SetDefault("backend.lock_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate rejects configurations the record layer cannot open.
func (c *Config) Validate() error {
	if c.Backend.Kind != "bdb" && c.Backend.Kind != "sql" {
		return fmt.Errorf("backend.kind must be 'bdb' or 'sql', got %q", c.Backend.Kind)
	}
	if c.Backend.ConnStr == "" {
		return fmt.Errorf("backend.conn_str is required")
	}
	if c.Backend.TraceLevel < 0 {
		return fmt.Errorf("backend.trace_level must be >= 0")
	}
	if c.Backend.LockTimeout < 0 {
		return fmt.Errorf("backend.lock_timeout must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}
	return nil
}
