package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/rref/config"
	"github.com/najoast/rref/dispatch"
	"github.com/najoast/rref/node"
	"github.com/najoast/rref/transport"
)

// Service names
const (
	ServiceConfigWatcher = "config-watcher"
	ServiceNode          = "node"
)

// NodeService runs a node as a managed service.
type NodeService struct {
	node *node.Node

	mu      sync.Mutex
	running bool
}

// NewNodeService wraps n.
func NewNodeService(n *node.Node) *NodeService {
	return &NodeService{node: n}
}

func (s *NodeService) Name() string {
	return ServiceNode
}

// Start starts the node. The node outlives ctx, which only bounds the
// start itself.
func (s *NodeService) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.node.Start(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *NodeService) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.node.Stop(ctx)
}

func (s *NodeService) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return HealthStatus{State: HealthStopped}, nil
	}

	stats := s.node.Stats()
	status := HealthStatus{
		State:     HealthHealthy,
		LastCheck: time.Now(),
		Data: map[string]interface{}{
			"worker":     s.node.WorkerID(),
			"owners":     stats.Registry.Owners,
			"users":      stats.Registry.Users,
			"handles":    stats.Handles,
			"pending":    stats.Pending,
			"processed":  stats.Dispatch.Processed,
			"failed":     stats.Dispatch.Failed,
			"operations": stats.Dispatch.Running,
			"errors":     stats.Transport.ErrorCount,
		},
	}
	if stats.Dispatch.Running >= stats.Dispatch.Workers && stats.Dispatch.Workers > 0 {
		status.State = HealthUnhealthy
		status.Message = "all dispatch workers are busy"
	}
	return status, nil
}

// WatcherService reloads the configuration file while the node runs and
// applies the log level of each reload.
type WatcherService struct {
	watcher *config.Watcher
}

// NewWatcherService wraps w.
func NewWatcherService(w *config.Watcher) *WatcherService {
	w.OnConfigChange(config.ApplyLogLevel)
	return &WatcherService{watcher: w}
}

func (s *WatcherService) Name() string {
	return ServiceConfigWatcher
}

func (s *WatcherService) Start(ctx context.Context) error {
	return s.watcher.Start()
}

func (s *WatcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	cfg := s.watcher.GetConfig()
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]interface{}{"log_level": cfg.Log.Level},
	}, nil
}

// Options selects what an Application runs.
type Options struct {
	// Config is the loaded configuration
	Config *config.Config

	// ConfigFile is watched for log level changes when set
	ConfigFile string

	// Transport overrides the TCP transport built from Config
	Transport transport.Transport

	Executor dispatch.Executor
	Opaque   dispatch.OpaqueRunner
}

// Application is one worker process.
type Application struct {
	cfg       *config.Config
	node      *node.Node
	lifecycle *LifecycleManager

	mutex   sync.Mutex
	running bool
}

// NewApplication builds the node and its services from opts.
func NewApplication(opts Options) (*Application, error) {
	if opts.Config == nil {
		return nil, &ApplicationError{Operation: "configure", Err: fmt.Errorf("no configuration")}
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	tr := opts.Transport
	if tr == nil {
		tr = transport.NewTCPTransport(opts.Config.TransportOptions())
	}

	app := &Application{
		cfg:       opts.Config,
		node:      node.New(opts.Config.NodeOptions(), tr, opts.Executor, opts.Opaque),
		lifecycle: NewLifecycleManager(),
	}
	app.lifecycle.SetTimeout(opts.Config.Registry.ShutdownTimeout + 5*time.Second)

	var nodeDeps []string
	if opts.ConfigFile != "" {
		w, err := config.NewWatcher(opts.ConfigFile, config.NewLoader())
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Service: ServiceConfigWatcher, Err: err}
		}
		if err := app.lifecycle.Register(NewWatcherService(w)); err != nil {
			return nil, err
		}
		nodeDeps = append(nodeDeps, ServiceConfigWatcher)
	}
	if err := app.lifecycle.Register(NewNodeService(app.node), nodeDeps...); err != nil {
		return nil, err
	}
	return app, nil
}

// Node returns the worker run by the application.
func (app *Application) Node() *node.Node {
	return app.node
}

// LifecycleManager returns the lifecycle manager
func (app *Application) LifecycleManager() *LifecycleManager {
	return app.lifecycle
}

// Start starts every service.
func (app *Application) Start(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if app.running {
		return fmt.Errorf("application is already running")
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.running = true
	log.Infof("worker %d running on %s", app.cfg.Node.WorkerID, app.cfg.ListenAddr())
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// is interrupted, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Infof("worker %d shutting down", app.cfg.Node.WorkerID)

	return app.Shutdown(context.Background())
}

// Shutdown stops every service in reverse start order.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mutex.Lock()
	defer app.mutex.Unlock()

	if !app.running {
		return nil
	}
	app.running = false
	return app.lifecycle.Stop(ctx)
}

// Health returns the health of every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}
