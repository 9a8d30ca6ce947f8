// Package config provides configuration watching and hot-reload functionality
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/najoast/rref/logging"
)

var log = logging.Logger(logging.ModuleConfig)

// DebounceDuration is how long the watcher waits after the last write
// before reloading.
var DebounceDuration = 500 * time.Millisecond

// Watcher watches a configuration file and reloads it on change. Only
// the settings that can change at runtime, the log level among them, are
// acted on by callbacks; the rest takes effect on restart.
type Watcher struct {
	// Configuration file path
	configFile string

	// Configuration loader
	loader *Loader

	// Current configuration
	config   *Config
	configMu sync.RWMutex

	// File system watcher
	fsWatcher *fsnotify.Watcher

	// Event callbacks
	callbacks   []ConfigChangeCallback
	callbacksMu sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for goroutines
	wg sync.WaitGroup
}

// ConfigChangeCallback is called when configuration changes
type ConfigChangeCallback func(oldConfig, newConfig *Config)

// NewWatcher creates a new configuration watcher and loads the file once
func NewWatcher(configFile string, loader *Loader) (*Watcher, error) {
	if _, err := formatOf(configFile); err != nil {
		return nil, err
	}

	// Load initial configuration
	config, err := loader.LoadFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		configFile: filepath.Clean(configFile),
		loader:     loader,
		config:     config,
		fsWatcher:  fsWatcher,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start starts watching the configuration file
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.configFile); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWatchError, err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	log.Debugf("watching %s", w.configFile)
	return nil
}

// Stop stops watching the configuration file
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.configMu.RLock()
	defer w.configMu.RUnlock()
	return w.config
}

// OnConfigChange registers a callback for configuration changes
func (w *Watcher) OnConfigChange(callback ConfigChangeCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Reload manually reloads the configuration
func (w *Watcher) Reload() error {
	return w.reloadConfig()
}

// watchLoop watches for file system events
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.configFile {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(DebounceDuration, func() {
					if err := w.reloadConfig(); err != nil {
						log.Errorf("failed to reload config: %v", err)
					}
				})

			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.Warningf("config file %s was removed or renamed", w.configFile)
				// The file may be recreated by an editor
				time.AfterFunc(time.Second, func() {
					if w.ctx.Err() != nil {
						return
					}
					if err := w.fsWatcher.Add(w.configFile); err != nil {
						log.Warningf("failed to re-watch %s: %v", w.configFile, err)
					}
				})
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

// reloadConfig reloads the configuration from file. A file that fails
// to load or validate leaves the current configuration in place.
func (w *Watcher) reloadConfig() error {
	newConfig, err := w.loader.LoadFromFile(w.configFile)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	w.notifyCallbacks(oldConfig, newConfig)

	log.Infof("configuration reloaded from %s", w.configFile)
	return nil
}

// notifyCallbacks notifies all registered callbacks in registration order
func (w *Watcher) notifyCallbacks(oldConfig, newConfig *Config) {
	w.callbacksMu.RLock()
	callbacks := make([]ConfigChangeCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("config change callback panicked: %v", r)
				}
			}()
			cb(oldConfig, newConfig)
		}()
	}
}

// ApplyLogLevel is a ConfigChangeCallback that re-applies the log level
// when it changed.
func ApplyLogLevel(oldConfig, newConfig *Config) {
	oldLevel := oldConfig.LoggingOptions().Level
	newLevel := newConfig.LoggingOptions().Level
	if oldLevel == newLevel {
		return
	}
	logging.SetLevel(newLevel)
	log.Infof("log level changed from %s to %s", oldLevel, newLevel)
}
