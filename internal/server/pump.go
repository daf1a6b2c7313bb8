package server

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/lobby/async"
)

// PumpService drives completion delivery for an async queue on a fixed tick.
// All completion callbacks registered with the queue run on this service's
// goroutine, which stands in for the host application's frame loop.
type PumpService struct {
	queue    *async.Queue
	clk      clock.Clock
	interval time.Duration
	logger   *zap.Logger
	tick     func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce func()
}

// NewPumpService creates a pump that delivers completions every interval.
//
// Precondition: queue and logger must be non-nil; interval must be positive.
// A nil clk uses the real clock.
func NewPumpService(queue *async.Queue, clk clock.Clock, interval time.Duration, logger *zap.Logger) *PumpService {
	if clk == nil {
		clk = clock.New()
	}
	p := &PumpService{
		queue:    queue,
		clk:      clk,
		interval: interval,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	var once sync.Once
	p.stopOnce = func() { once.Do(func() { close(p.quit) }) }
	return p
}

// SetTickHook installs fn to run on the pump goroutine after each pump.
// State-owning application logic hangs off this hook.
//
// Precondition: must be called before Start.
func (p *PumpService) SetTickHook(fn func()) {
	p.tick = fn
}

// Start runs the pump loop until Stop is called. A final pump after the loop
// exits delivers completions that landed during shutdown.
func (p *PumpService) Start() error {
	defer close(p.done)
	ticker := p.clk.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			if n := p.queue.Pump(); n > 0 {
				p.logger.Debug("final pump delivered completions", zap.Int("count", n))
			}
			return nil
		case <-ticker.C:
			p.queue.Pump()
			if p.tick != nil {
				p.tick()
			}
		}
	}
}

// Stop terminates the pump loop and waits for it to finish.
func (p *PumpService) Stop() {
	p.stopOnce()
	<-p.done
}
