package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// orderedService blocks in Start until stopped and records stop order in a
// shared log.
type orderedService struct {
	name string
	log  *orderLog
	quit chan struct{}
}

type orderLog struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (o *orderLog) recordStart(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, name)
}

func (o *orderLog) recordStop(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, name)
}

func (o *orderLog) snapshot() (started, stopped []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.started...), append([]string(nil), o.stopped...)
}

func newOrderedService(name string, log *orderLog) *orderedService {
	return &orderedService{name: name, log: log, quit: make(chan struct{})}
}

func (s *orderedService) Start() error {
	s.log.recordStart(s.name)
	<-s.quit
	return nil
}

func (s *orderedService) Stop() {
	s.log.recordStop(s.name)
	close(s.quit)
}

func runLifecycle(t *testing.T, ctx context.Context, lc *Lifecycle) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- lc.Run(ctx) }()
	return errCh
}

func TestLifecycle_StopsInReverseOrder(t *testing.T) {
	log := &orderLog{}
	lc := NewLifecycle(zap.NewNop())
	lc.Add("first", newOrderedService("first", log))
	lc.Add("second", newOrderedService("second", log))
	lc.Add("third", newOrderedService("third", log))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runLifecycle(t, ctx, lc)

	// Let the start goroutines land before triggering shutdown.
	require.Eventually(t, func() bool {
		started, _ := log.snapshot()
		return len(started) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	_, stopped := log.snapshot()
	assert.Equal(t, []string{"third", "second", "first"}, stopped)
}

func TestLifecycle_ServiceFailureTriggersShutdown(t *testing.T) {
	log := &orderLog{}
	lc := NewLifecycle(zap.NewNop())
	lc.Add("steady", newOrderedService("steady", log))
	lc.Add("flaky", &FuncService{
		StartFn: func() error { return errors.New("bind: address in use") },
		StopFn:  func() { log.recordStop("flaky") },
	})

	errCh := runLifecycle(t, context.Background(), lc)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after service failure")
	}

	_, stopped := log.snapshot()
	assert.Equal(t, []string{"flaky", "steady"}, stopped)
}

func TestFuncService_Delegates(t *testing.T) {
	var started, stopped bool
	svc := &FuncService{
		StartFn: func() error { started = true; return nil },
		StopFn:  func() { stopped = true },
	}
	require.NoError(t, svc.Start())
	svc.Stop()
	assert.True(t, started)
	assert.True(t, stopped)
}
