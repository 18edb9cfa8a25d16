// Package config provides configuration management for the refnet worker
// runtime. Worker identity and addressing are explicit configuration, not
// ambient process state: every worker knows its own rank and the full
// rank-to-address table at startup.
package config

import (
	"fmt"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// WorkerAddr binds a worker rank to its name and listen address. The name
// defaults to "worker<rank>" when omitted; the mapping is stable for the
// process lifetime.
type WorkerAddr struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

// WorkerConfig identifies this process within the worker group.
type WorkerConfig struct {
	// Rank of this process, an index into Workers
	Rank int `yaml:"rank" json:"rank"`

	// Workers is the full addressing table, indexed by rank
	Workers []WorkerAddr `yaml:"workers" json:"workers"`

	// CallTimeout bounds a single remote call round trip
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// NetworkConfig holds transport tunables.
type NetworkConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxMessageSize int           `yaml:"max_message_size" json:"max_message_size"`

	// Encrypt enables the DH handshake and frame encryption between peers
	Encrypt bool `yaml:"encrypt" json:"encrypt"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       LogLevel `yaml:"level" json:"level"`
	Development bool     `yaml:"development" json:"development"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Environment Environment `yaml:"environment" json:"environment"`
}

// DebugConfig configures the optional introspection endpoint.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// Config is the complete refnet worker configuration.
type Config struct {
	App     AppConfig     `yaml:"app" json:"app"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Worker  WorkerConfig  `yaml:"worker" json:"worker"`
	Network NetworkConfig `yaml:"network" json:"network"`
	Debug   DebugConfig   `yaml:"debug" json:"debug"`
}

// DefaultConfig returns a single-worker development configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "refnet",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:       LogLevelInfo,
			Development: true,
		},
		Worker: WorkerConfig{
			Rank: 0,
			Workers: []WorkerAddr{
				{Name: "worker0", Address: "127.0.0.1:7450"},
			},
			CallTimeout: 30 * time.Second,
		},
		Network: NetworkConfig{
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxMessageSize: 16 * 1024 * 1024,
			Encrypt:        false,
		},
		Debug: DebugConfig{
			Enabled: false,
			Address: "127.0.0.1:7460",
		},
	}
}

// WorkerName maps a rank to its worker name. The mapping is deterministic:
// the configured name if present, otherwise "worker<rank>".
func (c *Config) WorkerName(rank int) string {
	if rank >= 0 && rank < len(c.Worker.Workers) && c.Worker.Workers[rank].Name != "" {
		return c.Worker.Workers[rank].Name
	}
	return fmt.Sprintf("worker%d", rank)
}

// RankOf resolves a worker name back to its rank.
func (c *Config) RankOf(name string) (int, error) {
	for rank := range c.Worker.Workers {
		if c.WorkerName(rank) == name {
			return rank, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
}

// AddressOf returns the listen address of a rank.
func (c *Config) AddressOf(rank int) (string, error) {
	if rank < 0 || rank >= len(c.Worker.Workers) {
		return "", fmt.Errorf("%w: rank %d", ErrUnknownWorker, rank)
	}
	return c.Worker.Workers[rank].Address, nil
}

// WorldSize returns the number of workers in the group.
func (c *Config) WorldSize() int {
	return len(c.Worker.Workers)
}

// SelfName returns this worker's name.
func (c *Config) SelfName() string {
	return c.WorkerName(c.Worker.Rank)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidEnvironment, c.App.Environment)
	}
	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidLogLevel, c.Log.Level)
	}
	if len(c.Worker.Workers) == 0 {
		return ErrEmptyWorkerTable
	}
	if c.Worker.Rank < 0 || c.Worker.Rank >= len(c.Worker.Workers) {
		return fmt.Errorf("%w: rank %d with %d workers", ErrInvalidRank, c.Worker.Rank, len(c.Worker.Workers))
	}
	seen := make(map[string]int, len(c.Worker.Workers))
	for rank, w := range c.Worker.Workers {
		if w.Address == "" {
			return fmt.Errorf("%w: rank %d", ErrMissingAddress, rank)
		}
		name := c.WorkerName(rank)
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s used by ranks %d and %d", ErrDuplicateWorkerName, name, prev, rank)
		}
		seen[name] = rank
	}
	if c.Worker.CallTimeout <= 0 {
		return ErrInvalidCallTimeout
	}
	if c.Network.MaxMessageSize <= 0 {
		return ErrInvalidMessageSize
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Worker.Workers = make([]WorkerAddr, len(c.Worker.Workers))
	copy(clone.Worker.Workers, c.Worker.Workers)
	return &clone
}
