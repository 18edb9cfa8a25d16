// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName      = errors.New("invalid application name")
	ErrInvalidEnvironment  = errors.New("invalid environment")
	ErrInvalidLogLevel     = errors.New("invalid log level")
	ErrEmptyWorkerTable    = errors.New("worker table is empty")
	ErrInvalidRank         = errors.New("rank is out of range")
	ErrMissingAddress      = errors.New("worker address missing")
	ErrDuplicateWorkerName = errors.New("duplicate worker name")
	ErrInvalidCallTimeout  = errors.New("invalid call timeout")
	ErrInvalidMessageSize  = errors.New("invalid max message size")
	ErrUnknownWorker       = errors.New("unknown worker")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrUnsupportedFormat  = errors.New("unsupported configuration format")
)
