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
			"./configs",
			"/etc/rref",
			os.Getenv("HOME") + "/.rref",
		},
		envPrefix:     "RREF",
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

// Load loads configuration from the specified file. An empty filename
// yields the defaults with environment overrides applied.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename != "" {
		config, err := l.loadFromFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
		}
		return config, nil
	}
	return l.finish(l.defaults())
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	return l.loadFromFile(filename)
}

// LoadFromReader loads configuration from an io.Reader. Missing fields
// keep their defaults.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.mergeConfig(l.defaults(), config), nil
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if err == ErrConfigFileNotFound {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.loadFromFile(configFile)
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"rref.yaml", "rref.yml",
		"config.yaml", "config.yml",
		"rref.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err != nil {
				continue
			}
			format, err := formatOf(filename)
			if err != nil {
				continue
			}
			return fullPath, format, nil
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadFromFile loads configuration from a file
func (l *Loader) loadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}

	// Merge with default config to fill missing fields
	return l.finish(l.mergeConfig(l.defaults(), config))
}

// defaults returns a copy of the default configuration
func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	c := *l.defaultConfig
	c.Node.Peers = append([]PeerConfig(nil), l.defaultConfig.Node.Peers...)
	return &c
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// parseConfig parses configuration data based on format
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := &Config{}

	switch format {
	case FormatYAML:
		err := yaml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		err := json.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	env := func(name string) string {
		return os.Getenv(l.envPrefix + "_" + name)
	}

	// App configuration
	if val := env("APP_NAME"); val != "" {
		config.App.Name = val
	}
	if val := env("APP_ENVIRONMENT"); val != "" {
		config.App.Environment = Environment(val)
	}
	if val := env("APP_DEBUG"); val != "" {
		config.App.Debug = strings.ToLower(val) == "true"
	}

	// Log configuration
	if val := env("LOG_LEVEL"); val != "" {
		config.Log.Level = LogLevel(val)
	}
	if val := env("LOG_OUTPUT"); val != "" {
		config.Log.Output = val
	}

	// Node configuration
	if val := env("WORKER_ID"); val != "" {
		id, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid %s_WORKER_ID %q: %w", l.envPrefix, val, err)
		}
		config.Node.WorkerID = uint32(id)
	}
	if val := env("PEERS"); val != "" {
		peers, err := ParsePeers(val)
		if err != nil {
			return err
		}
		config.Node.Peers = peers
	}

	// Network configuration
	if val := env("NETWORK_TCP_ADDRESS"); val != "" {
		config.Network.TCP.Address = val
	}
	if val := env("NETWORK_TCP_PORT"); val != "" {
		if port, err := parsePort(val); err == nil {
			config.Network.TCP.Port = port
		}
	}

	// Dispatch configuration
	if val := env("DISPATCH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Dispatch.Workers = n
		}
	}
	if val := env("DISPATCH_REQUEST_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s_DISPATCH_REQUEST_TIMEOUT %q: %w", l.envPrefix, val, err)
		}
		config.Dispatch.RequestTimeout = d
	}

	return nil
}

// ParsePeers parses a comma separated list of id=host:port pairs.
func ParsePeers(val string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q, expected id=host:port", ErrInvalidPeer, item)
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, item, err)
		}
		peers = append(peers, PeerConfig{WorkerID: uint32(id), Address: parts[1]})
	}
	return peers, nil
}

// Helper function to parse port number
func parsePort(val string) (int, error) {
	var port int
	_, err := fmt.Sscanf(val, "%d", &port)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port number: %d", port)
	}
	return port, nil
}

// mergeConfig merges user config with default config
func (l *Loader) mergeConfig(defaultConfig, userConfig *Config) *Config {
	// Start with default config
	merged := *defaultConfig

	// Override with user config values where specified
	if userConfig.App.Name != "" {
		merged.App.Name = userConfig.App.Name
	}
	if userConfig.App.Version != "" {
		merged.App.Version = userConfig.App.Version
	}
	if userConfig.App.Environment != "" {
		merged.App.Environment = userConfig.App.Environment
	}
	merged.App.Debug = userConfig.App.Debug

	// Log config
	if userConfig.Log.Level != "" {
		merged.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.Output != "" {
		merged.Log.Output = userConfig.Log.Output
	}
	merged.Log.Color = userConfig.Log.Color

	// Node config
	if userConfig.Node.WorkerID != 0 {
		merged.Node.WorkerID = userConfig.Node.WorkerID
	}
	if userConfig.Node.Peers != nil {
		merged.Node.Peers = userConfig.Node.Peers
	}

	// Network config
	if userConfig.Network.TCP.Address != "" {
		merged.Network.TCP.Address = userConfig.Network.TCP.Address
	}
	if userConfig.Network.TCP.Port != 0 {
		merged.Network.TCP.Port = userConfig.Network.TCP.Port
	}
	if userConfig.Network.TCP.SendQueue != 0 {
		merged.Network.TCP.SendQueue = userConfig.Network.TCP.SendQueue
	}
	if userConfig.Network.Timeouts.Dial != 0 {
		merged.Network.Timeouts.Dial = userConfig.Network.Timeouts.Dial
	}
	if userConfig.Network.Timeouts.Write != 0 {
		merged.Network.Timeouts.Write = userConfig.Network.Timeouts.Write
	}
	if userConfig.Network.Timeouts.Handshake != 0 {
		merged.Network.Timeouts.Handshake = userConfig.Network.Timeouts.Handshake
	}

	// Dispatch config
	if userConfig.Dispatch.Workers != 0 {
		merged.Dispatch.Workers = userConfig.Dispatch.Workers
	}
	if userConfig.Dispatch.RequestTimeout != 0 {
		merged.Dispatch.RequestTimeout = userConfig.Dispatch.RequestTimeout
	}

	// Registry config
	if userConfig.Registry.TombstoneCapacity != 0 {
		merged.Registry.TombstoneCapacity = userConfig.Registry.TombstoneCapacity
	}
	if userConfig.Registry.ShutdownTimeout != 0 {
		merged.Registry.ShutdownTimeout = userConfig.Registry.ShutdownTimeout
	}

	return &merged
}
