// Package config provides configuration loading and parsing functionality
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"/etc/refnet",
		},
		envPrefix:     "REFNET",
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// LoadFromFile loads, merges, overrides and validates configuration from a
// specific file.
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	var format ConfigFormat
	switch ext {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	return l.finish(data, format)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}
	return l.finish(data, format)
}

// AutoLoad discovers a configuration file in the search paths, falling back
// to the default configuration when none exists.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if err != nil {
		if err == ErrConfigFileNotFound {
			config := l.base()
			if err := l.loadFromEnv(config); err != nil {
				return nil, fmt.Errorf("failed to load config from environment: %w", err)
			}
			if err := config.Validate(); err != nil {
				return nil, fmt.Errorf("configuration validation failed: %w", err)
			}
			return config, nil
		}
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish parses raw data and applies merge, env override and validation.
func (l *Loader) finish(data []byte, format ConfigFormat) (*Config, error) {
	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}

	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// base returns a copy of the default configuration.
func (l *Loader) base() *Config {
	if l.defaultConfig != nil {
		return l.defaultConfig.Clone()
	}
	return DefaultConfig()
}

// parseConfig parses configuration data on top of the defaults.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.base()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"refnet.yaml", "refnet.yml",
		"config.yaml", "config.yml",
		"refnet.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// loadFromEnv applies environment variable overrides. Variables use the
// loader prefix, e.g. REFNET_WORKER_RANK, REFNET_LOG_LEVEL.
func (l *Loader) loadFromEnv(config *Config) error {
	if v := os.Getenv(l.envPrefix + "_APP_NAME"); v != "" {
		config.App.Name = v
	}
	if v := os.Getenv(l.envPrefix + "_APP_ENVIRONMENT"); v != "" {
		config.App.Environment = Environment(v)
	}
	if v := os.Getenv(l.envPrefix + "_LOG_LEVEL"); v != "" {
		config.Log.Level = LogLevel(v)
	}
	if v := os.Getenv(l.envPrefix + "_WORKER_RANK"); v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s_WORKER_RANK %q: %w", l.envPrefix, v, err)
		}
		config.Worker.Rank = rank
	}
	if v := os.Getenv(l.envPrefix + "_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s_CALL_TIMEOUT %q: %w", l.envPrefix, v, err)
		}
		config.Worker.CallTimeout = d
	}
	if v := os.Getenv(l.envPrefix + "_NETWORK_ENCRYPT"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s_NETWORK_ENCRYPT %q: %w", l.envPrefix, v, err)
		}
		config.Network.Encrypt = enabled
	}
	if v := os.Getenv(l.envPrefix + "_DEBUG_ADDRESS"); v != "" {
		config.Debug.Enabled = true
		config.Debug.Address = v
	}
	return nil
}
