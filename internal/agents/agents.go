// Package agents runs the controller's five long-lived background loops —
// scheduler tick, node health probe, rollup driver, job purge, and
// credential expiry sweeper — each its own goroutine on a ticker, stopped
// via a stopCh, matching the run-loop idiom used throughout this codebase.
package agents

import (
	"sync"
	"time"

	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/metrics"
)

// TickFunc performs one cycle of an agent's work.
type TickFunc func(now time.Time) error

// Agent runs tick on a fixed interval until Stop is called.
type Agent struct {
	name     string
	interval time.Duration
	tick     TickFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs an agent. Call Start to begin its loop.
func New(name string, interval time.Duration, tick TickFunc) *Agent {
	return &Agent{
		name:     name,
		interval: interval,
		tick:     tick,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the agent's loop in its own goroutine.
func (a *Agent) Start() {
	go a.run()
}

// Stop signals the loop to exit and blocks until it has.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Agent) run() {
	defer close(a.doneCh)
	logger := log.WithComponent(a.name)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", a.interval).Msg("agent started")
	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			if err := a.tick(time.Now()); err != nil {
				logger.Error().Err(err).Msg("agent cycle failed")
			}
			if a.name == "scheduler" {
				timer.ObserveDuration(metrics.SchedulingLatency)
			}
		case <-a.stopCh:
			logger.Info().Msg("agent stopped")
			return
		}
	}
}

// NewSchedulerTick drives the scheduling loop: pick pending jobs, attempt
// allocation via internal/selector, transition successes to RUNNING.
func NewSchedulerTick(interval time.Duration, fn TickFunc) *Agent {
	return New("scheduler", interval, fn)
}

// NewNodeHealthProbe drives node timeout detection: nodes that haven't
// reported within SlurmdTimeout get the NO_RESPOND flag set, which is
// cleared once they report again.
func NewNodeHealthProbe(interval time.Duration, fn TickFunc) *Agent {
	return New("node-health", interval, fn)
}

// NewRollupDriver advances the hourly/daily/monthly usage-rollup windows.
func NewRollupDriver(interval time.Duration, fn TickFunc) *Agent {
	return New("rollup-driver", interval, fn)
}

// NewJobPurge sweeps terminal jobs older than the configured retention
// window out of the live job table.
func NewJobPurge(interval time.Duration, fn TickFunc) *Agent {
	return New("job-purge", interval, fn)
}

// NewCredentialSweeper drops expired entries from the credential replay
// cache.
func NewCredentialSweeper(interval time.Duration, fn TickFunc) *Agent {
	return New("credential-sweeper", interval, fn)
}

// Group starts and stops a fixed set of agents together, the shape the
// daemon's main loop wires at startup.
type Group struct {
	mu     sync.Mutex
	agents []*Agent
}

func NewGroup(agents ...*Agent) *Group {
	return &Group{agents: agents}
}

// StartAll starts every agent in the group.
func (g *Group) StartAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.agents {
		a.Start()
	}
}

// StopAll stops every agent in the group, waiting for each to exit.
func (g *Group) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.agents {
		a.Stop()
	}
}
