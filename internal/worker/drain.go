package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DrainChecker reports whether the load balancer is draining this node.
// Implemented by cloud.TargetHealth.
type DrainChecker interface {
	Draining(ctx context.Context) (bool, error)
}

// Stopper stops admission of new builds.
// Implemented by Node.
type Stopper interface {
	StopAccepting()
}

// DrainMonitor polls target health and stops admission once the node is
// draining. It never touches running builds.
type DrainMonitor struct {
	checker  DrainChecker
	node     Stopper
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	drained bool
}

// NewDrainMonitor creates a monitor. A nil checker, for nodes not behind a
// load balancer, makes the monitor a no-op.
func NewDrainMonitor(checker DrainChecker, node Stopper, interval time.Duration, logger *slog.Logger) *DrainMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DrainMonitor{
		checker:  checker,
		node:     node,
		interval: interval,
		logger:   logger.With("component", "drain"),
	}
}

// Start begins polling in the background.
func (m *DrainMonitor) Start(ctx context.Context) error {
	if m.checker == nil {
		m.logger.Info("no load balancer registration, drain monitor disabled")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+m.interval.String(), func() { m.Check(ctx) }); err != nil {
		return err
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	m.logger.Info("drain monitor started", "interval", m.interval)
	return nil
}

// Stop ends polling.
func (m *DrainMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		c.Stop()
		m.logger.Info("drain monitor stopped")
	}
}

// Check runs one poll and reports whether the node has been drained.
func (m *DrainMonitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	if m.drained {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	draining, err := m.checker.Draining(ctx)
	if err != nil {
		m.logger.Warn("target health check failed", "error", err)
		return false
	}
	if !draining {
		return false
	}

	m.mu.Lock()
	m.drained = true
	m.mu.Unlock()
	m.logger.Info("node is draining, stopping admission")
	m.node.StopAccepting()
	m.Stop()
	return true
}
