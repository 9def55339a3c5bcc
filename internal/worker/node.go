// Package worker runs a build worker node: it consumes start and cancel
// commands from the broker, launches one isolated execution per accepted
// build and stops accepting work when the node is drained.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"notebook-builder/internal/cancel"
	"notebook-builder/internal/domain"
	"notebook-builder/internal/queue"
	"notebook-builder/internal/service/build"
)

// ErrSubscriptionLost is returned by Run when the broker closed the start
// subscription without the node having asked for it.
var ErrSubscriptionLost = errors.New("start subscription closed by broker")

// Queue opens the consumers of a node.
// Implemented by queue.Broker.
type Queue interface {
	ConsumeStart(ctx context.Context, prefetch int) (*queue.Subscription, error)
	ConsumeCancel(ctx context.Context) (*queue.Subscription, error)
}

// DeliveryRecorder receives queue metrics.
// Implemented by metrics.Dispatch.
type DeliveryRecorder interface {
	Delivery(command, result string)
}

// Reconciler settles a build whose execution ended with an error and so may
// not have reported a terminal status.
// Implemented by app.Reconciler.
type Reconciler interface {
	Reconcile(ctx context.Context, job build.Job, replyQueue string, cause error) error
}

// Config tunes a Node.
type Config struct {
	NodeID string
	// Concurrency is N: the start prefetch and the number of slots.
	Concurrency int
	// PruneEvery and PruneAfter control expiry of stale cancel flags.
	PruneEvery time.Duration
	PruneAfter time.Duration
	// Reconciler is optional.
	Reconciler       Reconciler
	ReconcileTimeout time.Duration
}

// Node consumes build commands for one worker machine.
type Node struct {
	cfg      Config
	queue    Queue
	launcher Launcher
	cancel   cancel.Store
	metrics  DeliveryRecorder
	logger   *slog.Logger

	slots    *Slots
	sem      chan struct{}
	inFlight sync.WaitGroup

	mu       sync.Mutex
	startSub *queue.Subscription
	stopped  bool
	stop     chan struct{}
}

// NewNode creates a Node. metrics may be nil.
func NewNode(cfg Config, q Queue, launcher Launcher, flags cancel.Store, metrics DeliveryRecorder, logger *slog.Logger) *Node {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PruneEvery == 0 {
		cfg.PruneEvery = time.Hour
	}
	if cfg.PruneAfter == 0 {
		cfg.PruneAfter = 24 * time.Hour
	}
	if cfg.ReconcileTimeout == 0 {
		cfg.ReconcileTimeout = 30 * time.Second
	}
	return &Node{
		cfg:      cfg,
		queue:    q,
		launcher: launcher,
		cancel:   flags,
		metrics:  metrics,
		logger:   logger.With("component", "worker", "node", cfg.NodeID),
		slots:    NewSlots(cfg.Concurrency),
		sem:      make(chan struct{}, cfg.Concurrency),
		stop:     make(chan struct{}),
	}
}

// Run consumes until the start subscription ends, then waits for in-flight
// builds before returning. Cancellation of ctx stops admission only; running
// builds are left to reach a terminal status.
func (n *Node) Run(ctx context.Context) error {
	startSub, err := n.queue.ConsumeStart(ctx, n.cfg.Concurrency)
	if err != nil {
		return err
	}
	cancelSub, err := n.queue.ConsumeCancel(ctx)
	if err != nil {
		_ = startSub.Close()
		return err
	}

	n.mu.Lock()
	n.startSub = startSub
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		_ = startSub.Close()
	}

	if p, ok := n.cancel.(cancel.Pruner); ok {
		c := cron.New()
		if _, err := c.AddFunc("@every "+n.cfg.PruneEvery.String(), func() {
			if dropped := p.Prune(time.Now().Add(-n.cfg.PruneAfter)); dropped > 0 {
				n.logger.Debug("pruned stale cancel flags", "count", dropped)
			}
		}); err != nil {
			_ = startSub.Close()
			_ = cancelSub.Close()
			return err
		}
		c.Start()
		defer c.Stop()
	}

	n.logger.Info("worker node started", "concurrency", n.cfg.Concurrency)

	var g errgroup.Group
	g.Go(func() error {
		err := n.consumeStart(ctx, startSub)
		n.inFlight.Wait()
		_ = cancelSub.Close()
		return err
	})
	g.Go(func() error {
		n.consumeCancel(cancelSub)
		return nil
	})
	err = g.Wait()
	n.logger.Info("worker node stopped")
	return err
}

// StopAccepting closes the start subscription. Unacknowledged start messages
// return to the queue for other nodes. Builds already launched are not
// affected. Safe to call more than once and before Run.
func (n *Node) StopAccepting() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	close(n.stop)
	if n.startSub != nil {
		if err := n.startSub.Close(); err != nil {
			n.logger.Warn("close start subscription", "error", err)
		}
	}
	n.logger.Info("stopped accepting builds")
}

func (n *Node) accepting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.stopped
}

func (n *Node) consumeStart(ctx context.Context, sub *queue.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			n.StopAccepting()
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				if n.accepting() && ctx.Err() == nil {
					return ErrSubscriptionLost
				}
				return nil
			}
			n.handleStart(ctx, d)
		}
	}
}

func (n *Node) handleStart(ctx context.Context, d queue.Delivery) {
	m, err := queue.DecodeMessage(d.Body)
	if err == nil && m.Command != domain.CommandStart {
		err = domain.ErrValidation("unexpected %q command on start queue", m.Command)
	}
	if err != nil {
		n.logger.Warn("dropping start message", "error", err)
		n.ack(d)
		n.record(string(domain.CommandStart), "rejected")
		return
	}

	// Wait for capacity. The delivery stays unacknowledged meanwhile and
	// returns to the queue if the node stops first.
	select {
	case n.sem <- struct{}{}:
	case <-n.stop:
		return
	case <-ctx.Done():
		return
	}
	slot, ok := n.slots.Acquire()
	if !ok {
		// Unreachable while the semaphore and the slots share N.
		<-n.sem
		n.logger.Error("no free slot", "build_id", m.BuildID)
		return
	}

	job := build.Job{BuildID: m.BuildID, Slot: slot, QueuedAt: m.IssuedAt}
	logger := n.logger.With("build_id", job.BuildID, "slot", slot)
	n.inFlight.Add(1)
	done := func(status domain.BuildStatus, err error) {
		defer n.inFlight.Done()
		n.slots.Release(slot)
		<-n.sem
		if err != nil {
			logger.Error("build execution failed", "status", status, "error", err)
			n.reconcile(job, m.ReplyQueue, err, logger)
			return
		}
		logger.Info("build ended", "status", status)
	}
	if err := n.launcher.Launch(ctx, job, m.ReplyQueue, done); err != nil {
		n.inFlight.Done()
		n.slots.Release(slot)
		<-n.sem
		logger.Error("launch build", "error", err)
		n.ack(d)
		n.record(string(domain.CommandStart), "launch_failed")
		return
	}
	logger.Info("build dispatched")
	n.ack(d)
	n.record(string(domain.CommandStart), "dispatched")
}

// reconcile runs before the build counts as ended, so Run does not return
// while a record is still being settled.
func (n *Node) reconcile(job build.Job, replyQueue string, cause error, logger *slog.Logger) {
	if n.cfg.Reconciler == nil {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), n.cfg.ReconcileTimeout)
	defer stop()
	if err := n.cfg.Reconciler.Reconcile(ctx, job, replyQueue, cause); err != nil {
		logger.Error("reconcile build", "error", err)
	}
}

func (n *Node) consumeCancel(sub *queue.Subscription) {
	for d := range sub.Deliveries() {
		n.handleCancel(d)
	}
}

func (n *Node) handleCancel(d queue.Delivery) {
	m, err := queue.DecodeMessage(d.Body)
	if err == nil && m.Command != domain.CommandCancel {
		err = domain.ErrValidation("unexpected %q command on cancel queue", m.Command)
	}
	if err != nil {
		n.logger.Warn("dropping cancel message", "error", err)
		n.ack(d)
		n.record(string(domain.CommandCancel), "rejected")
		return
	}
	if err := n.cancel.Set(m.BuildID, m.IssuedAt); err != nil {
		n.logger.Error("raise cancel flag", "build_id", m.BuildID, "error", err)
		n.ack(d)
		n.record(string(domain.CommandCancel), "error")
		return
	}
	n.logger.Info("cancel flag raised", "build_id", m.BuildID)
	n.ack(d)
	n.record(string(domain.CommandCancel), "flagged")
}

func (n *Node) ack(d queue.Delivery) {
	if err := d.Ack(); err != nil {
		n.logger.Warn("ack delivery", "error", err)
	}
}

func (n *Node) record(command, result string) {
	if n.metrics != nil {
		n.metrics.Delivery(command, result)
	}
}
