package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/rref/config"
	"github.com/najoast/rref/dispatch"
	"github.com/najoast/rref/message"
	"github.com/najoast/rref/transport"
)

// TestService records its lifecycle calls
type TestService struct {
	name     string
	startErr error
	log      *callLog
	started  bool
	stopped  bool
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (s *TestService) Name() string { return s.name }

func (s *TestService) Start(ctx context.Context) error {
	s.log.add("start " + s.name)
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *TestService) Stop(ctx context.Context) error {
	s.log.add("stop " + s.name)
	s.stopped = true
	return nil
}

func (s *TestService) Health(ctx context.Context) (HealthStatus, error) {
	if !s.started || s.stopped {
		return HealthStatus{}, fmt.Errorf("%s is not running", s.name)
	}
	return HealthStatus{State: HealthHealthy}, nil
}

func TestLifecycleManager(t *testing.T) {
	calls := &callLog{}
	lm := NewLifecycleManager()

	var events []string
	lm.AddListener(func(e LifecycleEvent) {
		events = append(events, e.Type+" "+e.Service)
	})

	// c depends on b depends on a; d is independent
	require.NoError(t, lm.Register(&TestService{name: "c", log: calls}, "b"))
	require.NoError(t, lm.Register(&TestService{name: "b", log: calls}, "a"))
	require.NoError(t, lm.Register(&TestService{name: "a", log: calls}))
	require.NoError(t, lm.Register(&TestService{name: "d", log: calls}))
	assert.Error(t, lm.Register(&TestService{name: "a", log: calls}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, lm.Services())

	ctx := context.Background()
	require.NoError(t, lm.Start(ctx))
	assert.True(t, lm.IsStarted())
	assert.Equal(t, []string{"start a", "start d", "start b", "start c"}, calls.get())
	assert.Error(t, lm.Register(&TestService{name: "e", log: calls}))

	for name, status := range lm.Health(ctx) {
		assert.Equal(t, HealthHealthy, status.State, name)
		assert.False(t, status.LastCheck.IsZero())
	}

	require.NoError(t, lm.Stop(ctx))
	assert.False(t, lm.IsStarted())
	assert.Equal(t, []string{"stop c", "stop b", "stop d", "stop a"}, calls.get()[4:])
	assert.Equal(t, HealthUnhealthy, lm.Health(ctx)["a"].State)

	assert.Contains(t, events, EventServiceStarted+" b")
	assert.Contains(t, events, EventLifecycleStopped+" ")
}

func TestLifecycleStartFailureStopsStarted(t *testing.T) {
	calls := &callLog{}
	lm := NewLifecycleManager()
	boom := errors.New("boom")

	require.NoError(t, lm.Register(&TestService{name: "a", log: calls}))
	require.NoError(t, lm.Register(&TestService{name: "b", log: calls, startErr: boom}, "a"))

	err := lm.Start(context.Background())
	require.ErrorIs(t, err, boom)
	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "b", appErr.Service)

	assert.Equal(t, []string{"start a", "start b", "stop a"}, calls.get())
	assert.False(t, lm.IsStarted())
}

func TestLifecycleDependencyErrors(t *testing.T) {
	calls := &callLog{}

	missing := NewLifecycleManager()
	require.NoError(t, missing.Register(&TestService{name: "a", log: calls}, "ghost"))
	assert.ErrorContains(t, missing.Start(context.Background()), "ghost")

	circular := NewLifecycleManager()
	require.NoError(t, circular.Register(&TestService{name: "a", log: calls}, "b"))
	require.NoError(t, circular.Register(&TestService{name: "b", log: calls}, "a"))
	assert.ErrorContains(t, circular.Start(context.Background()), "circular")

	assert.Empty(t, calls.get())
}

type echoOps struct{}

func (echoOps) Execute(ctx context.Context, op string, inputs []message.Value) ([]message.Value, error) {
	return inputs, nil
}

var _ dispatch.Executor = echoOps{}

func TestApplication(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rref.yaml")
	require.NoError(t, os.WriteFile(file, []byte("node:\n  worker_id: 1\nlog:\n  level: info\n"), 0644))

	cfg, err := config.NewLoader().SetEnvPrefix("RREF_TEST_APP").Load(file)
	require.NoError(t, err)
	cfg.Registry.ShutdownTimeout = time.Second

	network := transport.NewNetwork()
	app, err := NewApplication(Options{
		Config:     cfg,
		ConfigFile: file,
		Transport:  network.Transport(1),
		Executor:   echoOps{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ServiceConfigWatcher, ServiceNode}, app.LifecycleManager().Services())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	assert.Error(t, app.Start(ctx))

	v, err := app.Node().RPC(ctx, 1, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	health := app.Health(ctx)
	assert.Equal(t, HealthHealthy, health[ServiceNode].State)
	assert.Equal(t, message.WorkerID(1), health[ServiceNode].Data["worker"])
	assert.Equal(t, config.LogLevelInfo, health[ServiceConfigWatcher].Data["log_level"])

	require.NoError(t, app.Shutdown(context.Background()))
	require.NoError(t, app.Shutdown(context.Background()))
	assert.Equal(t, HealthStopped, app.Health(ctx)[ServiceNode].State)
}

func TestApplicationRunStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Registry.ShutdownTimeout = time.Second

	app, err := NewApplication(Options{
		Config:    cfg,
		Transport: transport.NewNetwork().Transport(1),
		Executor:  echoOps{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ServiceNode}, app.LifecycleManager().Services())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, app.LifecycleManager().IsStarted, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, app.LifecycleManager().IsStarted())
}

func TestApplicationRejectsInvalidConfig(t *testing.T) {
	_, err := NewApplication(Options{})
	assert.Error(t, err)

	cfg := config.DefaultConfig()
	cfg.Node.WorkerID = 0
	_, err = NewApplication(Options{Config: cfg})
	assert.ErrorIs(t, err, config.ErrInvalidWorkerID)
}
