// Package config loads leapgrid configuration from defaults, an optional
// YAML file, environment variables, and CLI flags, in ascending precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Default configuration values.
const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8765
	DefaultDatabase    = ":memory:"
	DefaultStatePath   = ".leapgrid/state.db"
	DefaultBatchSize   = 2048
	DefaultPersistRows = 1000
)

// ConfigFileName is the primary config file name, searched upward from CWD.
const ConfigFileName = "leapgrid.yaml"

// ConfigFileNameAlt is the alternate config file name.
const ConfigFileNameAlt = "leapgrid.yml"

// maxUpwardSearchLevels limits how far up the tree the config search goes.
const maxUpwardSearchLevels = 10

// Config is the resolved application configuration.
type Config struct {
	Host          string `koanf:"host"`
	Port          int    `koanf:"port"`
	Database      string `koanf:"database"`
	StatePath     string `koanf:"state_path"`
	BatchSize     int    `koanf:"batch_size"`
	PersistRows   int    `koanf:"persist_rows"`
	SessionSecret string `koanf:"session_secret"`
	Watch         bool   `koanf:"watch"`
	Verbose       bool   `koanf:"verbose"`

	// Files maps view names to data files registered on startup.
	Files map[string]string `koanf:"files"`

	// Attach maps aliases to other DuckDB databases mounted read-only.
	Attach map[string]string `koanf:"attach"`
}

// Addr returns the listen address for the UI server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks invariants that would otherwise fail deep in startup.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.PersistRows < 0 {
		return fmt.Errorf("persist_rows cannot be negative, got %d", c.PersistRows)
	}
	return nil
}

// Load resolves configuration. cfgFile forces a specific config file; empty
// means search for leapgrid.yaml upward from the working directory. flags,
// when non-nil, contributes explicitly set values at highest precedence.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"host":         DefaultHost,
		"port":         DefaultPort,
		"database":     DefaultDatabase,
		"state_path":   DefaultStatePath,
		"batch_size":   DefaultBatchSize,
		"persist_rows": DefaultPersistRows,
		"watch":        false,
		"verbose":      false,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile == "" {
		cfgFile = findConfigFile()
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// LEAPGRID_STATE_PATH -> state_path
	if err := k.Load(env.Provider("LEAPGRID_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "LEAPGRID_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// findConfigFile searches the working directory and its parents for a
// config file. Returns empty when none exists.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < maxUpwardSearchLevels; i++ {
		for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
