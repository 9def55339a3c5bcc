package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"notebook-builder/internal/cancel"
	"notebook-builder/internal/cloud"
	"notebook-builder/internal/config"
	"notebook-builder/internal/container"
	"notebook-builder/internal/domain"
	"notebook-builder/internal/metrics"
	"notebook-builder/internal/queue"
	"notebook-builder/internal/service/build"
	"notebook-builder/internal/worker"
)

// CancelDir is where the file-backed cancel store of a node lives.
func CancelDir(cfg *config.Config) string {
	return filepath.Join(cfg.Worker.WorkDir, ".cancel")
}

// ExecutorConfig maps the process configuration onto the executor's.
func ExecutorConfig(cfg *config.Config) build.Config {
	return build.Config{
		NodeID:             cfg.Worker.NodeID,
		WorkDir:            cfg.Worker.WorkDir,
		BaseImage:          cfg.Worker.BaseImage,
		ImageRepository:    cfg.AWS.ECRRepository,
		LogBucket:          cfg.AWS.LogBucket,
		RequestBucket:      cfg.AWS.RequestBucket,
		MaxImageBytes:      cfg.Worker.MaxImageBytes,
		PushRetries:        cfg.Worker.PushRetries,
		PushRetryDelay:     cfg.Worker.PushRetryDelay,
		ActivationAttempts: cfg.Worker.ActivationAttempts,
		ActivationWait:     4 * time.Second,
		FunctionRoleARN:    cfg.AWS.LambdaRoleARN,
		FunctionMemoryMB:   cfg.AWS.LambdaMemoryMB,
		FunctionTimeout:    cfg.AWS.LambdaTimeout,
		SampleImageURL:     cfg.Worker.SampleImageURL,
	}
}

// Executor is a build executor with the handles it owns.
type Executor struct {
	*build.Executor
	engine *container.Engine
}

// Close releases the container engine.
func (e *Executor) Close() error { return e.engine.Close() }

// NewExecutor wires a build executor over base. rec may be nil.
func NewExecutor(deps Deps, base *Base, flags cancel.Store, rec build.Recorder) (*Executor, error) {
	cfg := deps.Cfg
	engine, err := container.New(cfg.Worker.DockerEndpoint, deps.Logger)
	if err != nil {
		return nil, err
	}
	smoke := &build.SmokeTester{
		Engine:   engine,
		BasePort: cfg.Worker.SmokeBasePort,
		MemoryMB: cfg.Worker.SmokeMemoryMB,
		Env: map[string]string{
			"AWS_ACCESS_KEY":     cfg.AWS.AccessKeyID,
			"AWS_SECRET_KEY":     cfg.AWS.SecretAccessKey,
			"AWS_REGION_NAME":    cfg.AWS.Region,
			"AWS_REQUEST_BUCKET": cfg.AWS.RequestBucket,
		},
		SampleImageURL: cfg.Worker.SampleImageURL,
		Logger:         deps.Logger,
	}
	x := build.NewExecutor(ExecutorConfig(cfg), build.Deps{
		Builds:    base.Repos.Builds,
		Models:    base.Repos.Models,
		Users:     base.Repos.Users,
		Objects:   base.Objects,
		Notifier:  NewNotifier(cfg, base.AWS, deps.Logger),
		Cancel:    flags,
		Engine:    engine,
		Registry:  cloud.NewRegistry(base.AWS, cfg.AWS.AccountID, cfg.AWS.PublicRegistryAlias),
		Functions: cloud.NewFunctions(base.AWS),
		Smoke:     smoke,
		Metrics:   rec,
	}, deps.Logger)
	return &Executor{Executor: x, engine: engine}, nil
}

// RunWithBroker runs one build and publishes its progress to replyQueue.
func RunWithBroker(ctx context.Context, x *Executor, broker *queue.Broker, job build.Job, replyQueue string) (domain.BuildStatus, error) {
	pub, err := broker.OpenReplyPublisher(replyQueue)
	if err != nil {
		return domain.BuildStatusError, err
	}
	status := x.Run(ctx, job, pub)
	return status, pub.Close()
}

// RunJob is the body of the exec-job command: one build in a fresh process,
// observing the node's file-backed cancel flags.
func RunJob(ctx context.Context, deps Deps, job build.Job, replyQueue string) (domain.BuildStatus, error) {
	base, err := OpenBase(ctx, deps)
	if err != nil {
		return domain.BuildStatusError, err
	}
	defer base.Close() //nolint:errcheck

	flags, err := cancel.NewFiles(CancelDir(deps.Cfg))
	if err != nil {
		return domain.BuildStatusError, err
	}
	broker, err := queue.Dial(deps.Cfg.Broker.URL, Topology(deps.Cfg), deps.Logger)
	if err != nil {
		return domain.BuildStatusError, err
	}
	defer broker.Close() //nolint:errcheck

	x, err := NewExecutor(deps, base, flags, nil)
	if err != nil {
		return domain.BuildStatusError, err
	}
	defer x.Close() //nolint:errcheck
	return RunWithBroker(ctx, x, broker, job, replyQueue)
}

// WorkerNode is a running worker with everything it owns.
type WorkerNode struct {
	Node  *worker.Node
	Drain *worker.DrainMonitor

	base     *Base
	broker   *queue.Broker
	executor *Executor
}

// Healthy reports a lost broker connection.
func (w *WorkerNode) Healthy() error { return w.broker.Err() }

// Close releases the node's handles. In-flight builds must have ended.
func (w *WorkerNode) Close() error {
	var errs []error
	if w.executor != nil {
		errs = append(errs, w.executor.Close())
	}
	errs = append(errs, w.broker.Close(), w.base.Close())
	return errors.Join(errs...)
}

// NewWorkerNode wires a worker node. Builds run in child processes of self
// or, with goroutine isolation, in this process. Both metric sets must be
// non-nil.
func NewWorkerNode(ctx context.Context, deps Deps, buildMetrics *metrics.Build, dispatchMetrics *metrics.Dispatch, self string, selfArgs []string) (*WorkerNode, error) {
	cfg := deps.Cfg
	base, err := OpenBase(ctx, deps)
	if err != nil {
		return nil, err
	}
	w := &WorkerNode{base: base}

	w.broker, err = queue.Dial(cfg.Broker.URL, Topology(cfg), deps.Logger)
	if err != nil {
		_ = base.Close()
		return nil, err
	}

	var (
		launcher worker.Launcher
		flags    cancel.Store
	)
	switch cfg.Worker.Isolation {
	case config.IsolationGoroutine:
		if _, err := RecoverOrphans(ctx, base.Repos.Builds, cfg.Worker.NodeID, deps.Logger); err != nil {
			deps.Logger.Warn("recover orphaned builds failed", "error", err)
		}
		mem := cancel.NewMemory()
		flags = mem
		w.executor, err = NewExecutor(deps, base, mem, buildMetrics)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		launcher = &worker.GoroutineLauncher{
			Run: func(ctx context.Context, job build.Job, replyQueue string) (domain.BuildStatus, error) {
				return RunWithBroker(ctx, w.executor, w.broker, job, replyQueue)
			},
		}
	default:
		files, err := cancel.NewFiles(CancelDir(cfg))
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		flags = files
		launcher = worker.Metered(&worker.ProcessLauncher{
			Executable: self,
			Args:       selfArgs,
			Logger:     deps.Logger,
		}, buildMetrics)
	}

	w.Node = worker.NewNode(worker.Config{
		NodeID:      cfg.Worker.NodeID,
		Concurrency: cfg.Broker.Prefetch,
		Reconciler: &Reconciler{
			Builds: base.Repos.Builds,
			Replies: func(replyQueue string) (ReplyPublisher, error) {
				return w.broker.OpenReplyPublisher(replyQueue)
			},
			Logger: deps.Logger,
		},
	}, w.broker, launcher, flags, dispatchMetrics, deps.Logger)

	var checker worker.DrainChecker
	if cfg.AWS.LoadBalancerARN != "" {
		th, err := cloud.NewTargetHealth(ctx, base.AWS, cfg.AWS.LoadBalancerARN)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		checker = th
	}
	w.Drain = worker.NewDrainMonitor(checker, w.Node, cfg.Worker.DrainInterval, deps.Logger)
	return w, nil
}

// ReplyPublisher sends progress events on one reply route.
// Implemented by queue.ReplyPublisher.
type ReplyPublisher interface {
	build.EventPublisher
	Close() error
}

// Reconciler settles builds whose execution ended without reporting: a build
// process that crashed or gave up before the executor finished. The record
// moves to Error unless it already reached a terminal status, and watchers
// get a terminal Error event.
type Reconciler struct {
	Builds  domain.BuildRepository
	Replies func(replyQueue string) (ReplyPublisher, error)
	Logger  *slog.Logger
}

// Reconcile implements worker.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, job build.Job, replyQueue string, cause error) error {
	failed := domain.BuildStatusError
	ok, err := r.Builds.UpdateIfStatus(ctx, job.BuildID, domain.Unfinished, domain.BuildUpdate{Status: &failed})
	if err != nil {
		return fmt.Errorf("mark build %s failed: %w", job.BuildID, err)
	}
	if !ok {
		return nil
	}
	r.Logger.Warn("build ended without a terminal status, marked failed", "build_id", job.BuildID, "cause", cause)

	pub, err := r.Replies(replyQueue)
	if err != nil {
		return fmt.Errorf("open reply publisher: %w", err)
	}
	ev := domain.ProgressEvent{State: domain.ProgressError, Message: "\r\nbuild worker failed: " + cause.Error()}
	return errors.Join(pub.Publish(ctx, ev), pub.Close())
}

// RecoverOrphans ends builds this node left Started when it last stopped.
// They can no longer report, so they are marked Error. Only builds that run
// inside the node process qualify: a build process outlives a crashed node.
func RecoverOrphans(ctx context.Context, builds domain.BuildRepository, nodeID string, logger *slog.Logger) (int, error) {
	started := domain.BuildStatusStarted
	page := domain.PageRequest{MaxResults: domain.MaxMaxResults}
	var orphans []string
	for {
		list, total, err := builds.List(ctx, domain.BuildFilter{Status: &started, Page: page})
		if err != nil {
			return 0, fmt.Errorf("list started builds: %w", err)
		}
		for _, b := range list {
			if b.WorkerServer != nil && *b.WorkerServer == nodeID {
				orphans = append(orphans, b.ID)
			}
		}
		next, more := page.Next(total)
		if !more || len(list) == 0 {
			break
		}
		page = next
	}

	failed := domain.BuildStatusError
	recovered := 0
	for _, id := range orphans {
		ok, err := builds.UpdateIfStatus(ctx, id, []domain.BuildStatus{domain.BuildStatusStarted}, domain.BuildUpdate{Status: &failed})
		if err != nil {
			logger.Warn("mark orphaned build failed", "build_id", id, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		logger.Info("marked orphaned builds as failed", "count", recovered, "node", nodeID)
	}
	return recovered, nil
}
