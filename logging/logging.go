// Package logging configures the leveled module loggers used across the
// runtime.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	gologging "github.com/op/go-logging"
)

// Module names
const (
	ModuleRRef      = "rref"
	ModuleDispatch  = "dispatch"
	ModuleNode      = "node"
	ModuleTransport = "transport"
	ModuleConfig    = "config"
	ModuleBootstrap = "bootstrap"
	ModuleCommand   = "cmd"
)

var modules = []string{ModuleRRef, ModuleDispatch, ModuleNode, ModuleTransport, ModuleConfig, ModuleBootstrap, ModuleCommand}

var plainFormat = gologging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} [%{module}] %{message}`,
)
var colorFormat = gologging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} [%{module}]%{color:reset} %{message}`,
)

var (
	mu      sync.Mutex
	leveled gologging.LeveledBackend
)

// Logger returns the logger of a module.
func Logger(module string) *gologging.Logger {
	return gologging.MustGetLogger(module)
}

// Options selects the backend installed by Setup.
type Options struct {
	// Level is one of trace, debug, info, warn, error, fatal
	Level string

	// Output is stdout, stderr or a file path
	Output string

	// Color enables colored level markers
	Color bool
}

// Setup installs the process-wide backend and applies the level to every
// module.
func Setup(opts Options) error {
	out, err := openOutput(opts.Output)
	if err != nil {
		return err
	}

	format := plainFormat
	if opts.Color {
		format = colorFormat
	}

	backend := gologging.NewLogBackend(out, "", 0)
	formatted := gologging.NewBackendFormatter(backend, format)

	mu.Lock()
	leveled = gologging.AddModuleLevel(formatted)
	gologging.SetBackend(leveled)
	mu.Unlock()

	SetLevel(opts.Level)
	return nil
}

// SetLevel changes the level of every module. Unknown names fall back to
// info.
func SetLevel(level string) {
	lvl := ParseLevel(level)

	mu.Lock()
	defer mu.Unlock()
	for _, module := range modules {
		if leveled != nil {
			leveled.SetLevel(lvl, module)
		} else {
			gologging.SetLevel(lvl, module)
		}
	}
}

// ParseLevel maps a configuration level name to a go-logging level.
func ParseLevel(level string) gologging.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return gologging.DEBUG
	case "info", "":
		return gologging.INFO
	case "notice":
		return gologging.NOTICE
	case "warn", "warning":
		return gologging.WARNING
	case "error":
		return gologging.ERROR
	case "fatal", "critical":
		return gologging.CRITICAL
	}
	if lvl, err := gologging.LogLevel(level); err == nil {
		return lvl
	}
	return gologging.INFO
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}
