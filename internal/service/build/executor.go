// Package build runs one notebook build end to end: convert, image build,
// smoke test, push, deploy, validate and finalize, reporting progress as it
// goes.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"notebook-builder/internal/cancel"
	"notebook-builder/internal/domain"
)

// Banners written at stage boundaries.
const (
	bannerStart    = "STARTING BUILD FOR"
	bannerBuild    = "STARTING DOCKER BUILD"
	bannerTest     = "STARTING FUNCTION TESTING"
	bannerPush     = "PUSHING DOCKER TO AWS"
	bannerCloud    = "TESTING IN CLOUD"
	bannerFinished = "FINISHED BUILD"
	bannerCancel   = "CANCELLED BUILD"
)

// logLinkExpiry is how long the log link in the outcome message stays valid.
const logLinkExpiry = 7 * 24 * time.Hour

// Config holds the tuning of an Executor.
type Config struct {
	NodeID             string
	WorkDir            string
	BaseImage          string
	ImageRepository    string
	LogBucket          string
	RequestBucket      string
	MaxImageBytes      int64
	PushRetries        int
	PushRetryDelay     time.Duration
	ActivationAttempts int
	ActivationWait     time.Duration
	FunctionRoleARN    string
	FunctionMemoryMB   int32
	FunctionTimeout    int32
	SampleImageURL     string
}

// Deps are the collaborators of an Executor. Notifier and Metrics may be nil.
type Deps struct {
	Builds    domain.BuildRepository
	Models    domain.ModelRepository
	Users     domain.UserRepository
	Objects   domain.ObjectStore
	Notifier  domain.Notifier
	Cancel    cancel.Store
	Engine    ContainerEngine
	Registry  RegistryAuthenticator
	Functions FunctionPlatform
	Smoke     *SmokeTester
	Metrics   Recorder
	Sleep     SleepFunc
	Now       func() time.Time
	Backoff   Backoff
}

// Executor runs builds. One Executor serves every build on a node; per-build
// state lives in a run.
type Executor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewExecutor returns an Executor.
func NewExecutor(cfg Config, deps Deps, logger *slog.Logger) *Executor {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Sleep == nil {
		deps.Sleep = Sleep
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Backoff.Ceiling == 0 {
		deps.Backoff = DefaultBackoff()
		deps.Backoff.Sleep = deps.Sleep
	}
	if deps.Backoff.Sleep == nil {
		deps.Backoff.Sleep = deps.Sleep
	}
	return &Executor{cfg: cfg, deps: deps, logger: logger.With("component", "build")}
}

// Job identifies one execution. QueuedAt is when the dispatcher queued it;
// cancel flags raised before then belong to an earlier execution.
type Job struct {
	BuildID  string
	Slot     int
	QueuedAt time.Time
}

// run is the state of one execution.
type run struct {
	id      string
	slot    int
	logger  *slog.Logger
	report  *Reporter
	started time.Time
	queued  time.Time

	ws       Workspace
	logFile  *os.File
	build    *domain.BuildJob
	user     *domain.User
	notebook []byte
	script   string
	image    ImageName
	imageID  string
	remote   string
	arn      string
	input    domain.FieldSchema
}

type stage struct {
	name string
	fn   func(context.Context, *run) error
}

// Run executes the build and returns its terminal status. Progress goes to
// pub. Run never panics and never returns before cleanup has finished.
func (x *Executor) Run(ctx context.Context, job Job, pub EventPublisher) domain.BuildStatus {
	logger := x.logger.With("build_id", job.BuildID, "slot", job.Slot)
	r := &run{
		id:      job.BuildID,
		slot:    job.Slot,
		logger:  logger,
		report:  NewReporter(pub, nil, logger),
		started: x.deps.Now(),
		queued:  job.QueuedAt,
		ws:      NewWorkspace(x.cfg.WorkDir, job.BuildID),
	}
	x.deps.Metrics.BuildStarted()
	logger.Info("build started")

	err := x.execute(ctx, r)
	status := x.finish(ctx, r, err)
	x.cleanup(ctx, r, status)

	elapsed := x.deps.Now().Sub(r.started)
	x.deps.Metrics.BuildFinished(status, elapsed)
	logger.Info("build ended", "status", status, "elapsed", elapsed)
	return status
}

func (x *Executor) execute(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("build panicked", "panic", p)
			err = Fatalf(r.id, "internal error: %v", p)
		}
	}()

	stages := []stage{
		{"setup", x.setup},
		{"convert", x.convert},
		{"image_build", x.buildImage},
		{"smoke_test", x.smokeTest},
		{"push", x.push},
		{"deploy", x.deploy},
		{"validate", x.validate},
		{"finalize", x.finalize},
	}
	for _, s := range stages {
		if err := x.checkCancel(r); err != nil {
			return err
		}
		start := x.deps.Now()
		err := s.fn(ctx, r)
		x.deps.Metrics.StageFinished(s.name, x.deps.Now().Sub(start))
		if err != nil {
			r.logger.Debug("stage failed", "stage", s.name, "error", err)
			return err
		}
	}
	return nil
}

// checkCancel is the cancellation checkpoint. With no queue time every flag
// counts.
func (x *Executor) checkCancel(r *run) error {
	at, ok := x.deps.Cancel.RaisedAt(r.id)
	if !ok || at.Before(r.queued) {
		return nil
	}
	return Cancelled(r.id)
}

// emitter returns the Emit stages report through. Every event is also a
// cancellation checkpoint.
func (x *Executor) emitter(ctx context.Context, r *run) Emit {
	return func(ev StageEvent) error {
		if err := x.checkCancel(r); err != nil {
			return err
		}
		switch ev.Kind {
		case EventMessage:
			r.report.Running(ctx, ev.Message)
		case EventDot:
			r.report.Inline(ctx, ev.Message)
		case EventError:
			return Fatalf(r.id, "%s", ev.Message)
		case EventInputSchema:
			r.input = ev.Schema
			return x.update(ctx, r, domain.BuildUpdate{InputSchema: ev.Schema})
		case EventOutputSchema:
			return x.update(ctx, r, domain.BuildUpdate{OutputSchema: ev.Schema})
		case EventFunctionARN:
			r.arn = ev.ARN
		}
		return nil
	}
}

func (x *Executor) update(ctx context.Context, r *run, upd domain.BuildUpdate) error {
	if err := x.deps.Builds.Update(ctx, r.id, upd); err != nil {
		return Fatal(r.id, "update build record", err)
	}
	return nil
}

func (x *Executor) setup(ctx context.Context, r *run) error {
	b, err := x.deps.Builds.GetByID(ctx, r.id)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return Fatalf(r.id, "Build not found")
		}
		return Fatal(r.id, "load build", err)
	}
	if b.Status == domain.BuildStatusError {
		return Fatalf(r.id, "Build already errored")
	}
	u, err := x.deps.Users.GetByID(ctx, b.UserID)
	if err != nil {
		return Fatal(r.id, "User owner of build not found", err)
	}
	r.build, r.user = b, u

	if err := r.ws.Reset(); err != nil {
		return Fatal(r.id, "prepare workspace", err)
	}
	f, err := r.ws.OpenLog()
	if err != nil {
		return Fatal(r.id, "open build log", err)
	}
	r.logFile = f
	r.report.attachLog(f)

	started := domain.BuildStatusStarted
	node := x.cfg.NodeID
	if err := x.update(ctx, r, domain.BuildUpdate{Status: &started, WorkerServer: &node}); err != nil {
		return err
	}

	commit := "None"
	if b.Source.Commit != nil {
		commit = *b.Source.Commit
	}
	r.report.Running(ctx, fmt.Sprintf("\r\n%s %s\r\nCOMMIT %s\r\nBUILD_ID:%s\r\n\r\n",
		bannerStart, b.Source.NotebookPath, commit, b.ID))
	return nil
}

func (x *Executor) convert(ctx context.Context, r *run) error {
	nb, err := x.deps.Objects.Get(ctx, NotebookURI(x.cfg.LogBucket, r.id))
	if err != nil {
		return Fatal(r.id, "fetch staged notebook", err)
	}
	script, err := ConvertNotebook(nb)
	if err != nil {
		return Fatal(r.id, "convert notebook", err)
	}
	if err := r.ws.WriteScaffold(nb, script, x.cfg.BaseImage); err != nil {
		return Fatal(r.id, "write build context", err)
	}
	r.notebook, r.script = nb, script
	r.image = NameImage(x.cfg.ImageRepository, r.user, r.build.Source, r.id)
	r.report.Running(ctx, fmt.Sprintf("\r\nConverted %s to inference.ipynb and inference.py", r.build.Source.NotebookPath))
	return nil
}

func (x *Executor) smokeTest(ctx context.Context, r *run) error {
	r.report.Running(ctx, "\r\n"+bannerTest+"\r\n")
	emit := x.emitter(ctx, r)
	_, err := x.deps.Smoke.Run(ctx, r.id, r.image.Local(), r.slot, func(ev StageEvent) error {
		if ev.Kind == EventMessage {
			ev.Message = "\r\n" + ev.Message
		}
		return emit(ev)
	})
	return err
}

func (x *Executor) finalize(ctx context.Context, r *run) error {
	elapsed := x.deps.Now().Sub(r.started).Seconds()
	elapsed = math.Round(elapsed*100) / 100

	finished := domain.BuildStatusFinished
	if err := x.update(ctx, r, domain.BuildUpdate{Status: &finished, Duration: &elapsed}); err != nil {
		return err
	}
	public := domain.ModelStatusPublic
	upd := domain.ModelUpdate{
		ActiveBuildID: &r.id,
		Commit:        r.build.Source.Commit,
		Branch:        &r.build.Source.Branch,
		Status:        &public,
	}
	if err := x.deps.Models.Update(ctx, r.build.ModelID, upd); err != nil {
		return Fatal(r.id, "publish model", err)
	}
	r.report.Finish(ctx, domain.ProgressFinished, fmt.Sprintf("\r\n\r\n%s in %.2fs \r\n", bannerFinished, elapsed))
	return nil
}

// finish records the terminal status for err and sends the terminal event.
func (x *Executor) finish(ctx context.Context, r *run, err error) domain.BuildStatus {
	if err == nil {
		return domain.BuildStatusFinished
	}
	ctx = context.WithoutCancel(ctx)
	status := KindOf(err).Status()
	if status == domain.BuildStatusCancelled {
		r.logger.Info("build cancelled")
		r.report.Finish(ctx, domain.ProgressCancelled, "\r\n"+bannerCancel+"\r\n")
	} else {
		r.logger.Error("build failed", "error", err)
		r.report.Finish(ctx, domain.ProgressError, "\r\n"+err.Error())
	}
	if uerr := x.deps.Builds.Update(ctx, r.id, domain.BuildUpdate{Status: &status}); uerr != nil {
		r.logger.Error("record terminal status failed", "status", status, "error", uerr)
	}
	return status
}

// cleanup runs after the terminal status is recorded. Failures are logged and
// never change the outcome.
func (x *Executor) cleanup(ctx context.Context, r *run, status domain.BuildStatus) {
	ctx = context.WithoutCancel(ctx)

	if r.imageID != "" {
		if err := x.deps.Engine.Prune(ctx, r.imageID); err != nil {
			r.logger.Warn("prune image failed", "image", r.imageID, "error", err)
		}
	}

	logRef := x.flushLog(ctx, r)

	if r.script != "" {
		if err := x.deps.Objects.Put(ctx, ScriptURI(x.cfg.LogBucket, r.id), []byte(r.script)); err != nil {
			r.logger.Warn("upload converted script failed", "error", err)
		}
	}

	if logRef != "" && r.build != nil && r.user != nil && x.deps.Notifier != nil {
		x.notify(ctx, r, status, logRef)
	}

	if err := x.deps.Cancel.Clear(r.id); err != nil {
		r.logger.Warn("clear cancel flag failed", "error", err)
	}
}

// flushLog uploads the build log and records its location, returning it.
func (x *Executor) flushLog(ctx context.Context, r *run) string {
	if r.logFile == nil {
		return ""
	}
	r.report.attachLog(nil)
	if err := r.logFile.Close(); err != nil {
		r.logger.Warn("close build log failed", "error", err)
	}
	data, err := os.ReadFile(r.ws.LogPath())
	if err != nil {
		r.logger.Warn("read build log failed", "error", err)
		return ""
	}
	ref := LogURI(x.cfg.LogBucket, r.id)
	if err := x.deps.Objects.Put(ctx, ref, data); err != nil {
		r.logger.Warn("upload build log failed", "error", err)
		return ""
	}
	if err := x.deps.Builds.Update(ctx, r.id, domain.BuildUpdate{BuildLog: &ref}); err != nil {
		r.logger.Warn("record build log failed", "error", err)
	}
	if r.build != nil {
		r.build.BuildLog = &ref
	}
	return ref
}

func (x *Executor) notify(ctx context.Context, r *run, status domain.BuildStatus, logRef string) {
	link, err := x.deps.Objects.PresignGet(ctx, logRef, logLinkExpiry)
	if err != nil {
		r.logger.Warn("presign build log failed", "error", err)
		link = ""
	}
	r.build.Status = status
	n := domain.BuildNotification{Build: r.build, User: r.user, Outcome: status, LogURL: link}
	if err := x.deps.Notifier.NotifyBuild(ctx, n); err != nil {
		r.logger.Warn("send outcome notification failed", "error", err)
	}
}
