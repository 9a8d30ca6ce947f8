// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName           = errors.New("invalid application name")
	ErrInvalidEnvironment       = errors.New("invalid environment")
	ErrInvalidLogLevel          = errors.New("invalid log level")
	ErrInvalidPort              = errors.New("invalid port number")
	ErrInvalidWorkerID          = errors.New("invalid worker id")
	ErrInvalidPeer              = errors.New("invalid peer")
	ErrInvalidWorkers           = errors.New("invalid dispatch workers")
	ErrInvalidTombstoneCapacity = errors.New("invalid tombstone capacity")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrConfigWatchError   = errors.New("configuration watch error")
)
