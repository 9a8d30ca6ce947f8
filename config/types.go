// Package config provides configuration management for RRef nodes
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/najoast/rref/dispatch"
	"github.com/najoast/rref/logging"
	"github.com/najoast/rref/message"
	"github.com/najoast/rref/node"
	"github.com/najoast/rref/rref"
	"github.com/najoast/rref/transport"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete configuration of a node
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Worker identity and peers
	Node NodeConfig `yaml:"node" json:"node"`

	// Network configuration
	Network NetworkConfig `yaml:"network" json:"network"`

	// Request dispatch configuration
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// RRef registry configuration
	Registry RegistryConfig `yaml:"registry" json:"registry"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored output
	Color bool `yaml:"color" json:"color"`
}

// NodeConfig names this worker and the workers it talks to
type NodeConfig struct {
	// Worker ID of this node
	WorkerID uint32 `yaml:"worker_id" json:"worker_id"`

	// Known peers
	Peers []PeerConfig `yaml:"peers" json:"peers"`
}

// PeerConfig is the address of one peer worker
type PeerConfig struct {
	WorkerID uint32 `yaml:"worker_id" json:"worker_id"`
	Address  string `yaml:"address" json:"address"`
}

// NetworkConfig contains network-related configuration
type NetworkConfig struct {
	// TCP listener configuration
	TCP TCPConfig `yaml:"tcp" json:"tcp"`

	// Timeouts
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`
}

// TCPConfig contains TCP-specific configuration
type TCPConfig struct {
	// Listening address
	Address string `yaml:"address" json:"address"`

	// Listening port
	Port int `yaml:"port" json:"port"`

	// Envelopes buffered per peer connection
	SendQueue int `yaml:"send_queue" json:"send_queue"`
}

// TimeoutConfig contains timeout settings
type TimeoutConfig struct {
	// Dial timeout
	Dial time.Duration `yaml:"dial" json:"dial"`

	// Write timeout
	Write time.Duration `yaml:"write" json:"write"`

	// Handshake timeout
	Handshake time.Duration `yaml:"handshake" json:"handshake"`
}

// DispatchConfig contains request dispatch settings
type DispatchConfig struct {
	// Number of operations run at once
	Workers int `yaml:"workers" json:"workers"`

	// Timeout of protocol messages
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// RegistryConfig contains RRef registry settings
type RegistryConfig struct {
	// Released RRefIDs remembered for stale reference detection
	TombstoneCapacity int `yaml:"tombstone_capacity" json:"tombstone_capacity"`

	// Time given to releases on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "rref-node",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       false,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Output: "stderr",
			Color:  false,
		},
		Node: NodeConfig{
			WorkerID: 1,
		},
		Network: NetworkConfig{
			TCP: TCPConfig{
				Address:   "127.0.0.1",
				Port:      7400,
				SendQueue: 1024,
			},
			Timeouts: TimeoutConfig{
				Dial:      10 * time.Second,
				Write:     30 * time.Second,
				Handshake: 10 * time.Second,
			},
		},
		Dispatch: DispatchConfig{
			Workers:        16,
			RequestTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			TombstoneCapacity: 65536,
			ShutdownTimeout:   10 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	// Validate node config
	if c.Node.WorkerID == 0 {
		return ErrInvalidWorkerID
	}
	seen := make(map[uint32]bool)
	for _, p := range c.Node.Peers {
		if p.WorkerID == 0 || p.WorkerID == c.Node.WorkerID || seen[p.WorkerID] {
			return fmt.Errorf("%w: %d", ErrInvalidPeer, p.WorkerID)
		}
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			return fmt.Errorf("%w: %d at %q: %v", ErrInvalidPeer, p.WorkerID, p.Address, err)
		}
		seen[p.WorkerID] = true
	}

	// Validate network config
	if c.Network.TCP.Port < 0 || c.Network.TCP.Port > 65535 {
		return ErrInvalidPort
	}

	// Validate dispatch config
	if c.Dispatch.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.Registry.TombstoneCapacity <= 0 {
		return ErrInvalidTombstoneCapacity
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// ListenAddr returns the TCP address the node listens on
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Network.TCP.Address, fmt.Sprint(c.Network.TCP.Port))
}

// LoggingOptions returns the options for logging.Setup
func (c *Config) LoggingOptions() logging.Options {
	level := c.Log.Level
	if c.App.Debug {
		level = LogLevelDebug
	}
	return logging.Options{
		Level:  level.String(),
		Output: c.Log.Output,
		Color:  c.Log.Color,
	}
}

// TransportOptions returns the options of the TCP transport
func (c *Config) TransportOptions() transport.Options {
	peers := make(map[message.WorkerID]string, len(c.Node.Peers))
	for _, p := range c.Node.Peers {
		peers[message.WorkerID(p.WorkerID)] = p.Address
	}
	return transport.Options{
		Worker:           message.WorkerID(c.Node.WorkerID),
		ListenAddr:       c.ListenAddr(),
		Peers:            peers,
		DialTimeout:      c.Network.Timeouts.Dial,
		HandshakeTimeout: c.Network.Timeouts.Handshake,
		WriteTimeout:     c.Network.Timeouts.Write,
		SendQueue:        c.Network.TCP.SendQueue,
	}
}

// NodeOptions returns the options of the node
func (c *Config) NodeOptions() node.Options {
	return node.Options{
		Worker:          message.WorkerID(c.Node.WorkerID),
		ShutdownTimeout: c.Registry.ShutdownTimeout,
		Dispatch: dispatch.Options{
			Workers: c.Dispatch.Workers,
		},
		Registry: rref.Options{
			TombstoneCapacity: c.Registry.TombstoneCapacity,
			RequestTimeout:    c.Dispatch.RequestTimeout,
		},
	}
}
