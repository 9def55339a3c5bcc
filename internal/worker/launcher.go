package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"notebook-builder/internal/domain"
	"notebook-builder/internal/service/build"
)

// Exit codes of the exec-job command. ExitFailed means the process gave up
// before the build reported a terminal status. Codes stay clear of 1 and 2,
// which cobra and the Go runtime use for usage errors and panics.
const (
	ExitFinished  = 0
	ExitError     = 10
	ExitCancelled = 11
	ExitFailed    = 12
)

// ExitCodeFor maps the terminal status of a build to the exit code of the
// process that ran it.
func ExitCodeFor(status domain.BuildStatus) int {
	switch status {
	case domain.BuildStatusFinished:
		return ExitFinished
	case domain.BuildStatusCancelled:
		return ExitCancelled
	default:
		return ExitError
	}
}

// StatusForExit is the inverse of ExitCodeFor. Any other code, including
// ExitFailed and a crash, is an error.
func StatusForExit(code int) domain.BuildStatus {
	switch code {
	case ExitFinished:
		return domain.BuildStatusFinished
	case ExitCancelled:
		return domain.BuildStatusCancelled
	default:
		return domain.BuildStatusError
	}
}

// DoneFunc is called once when a launched build has ended. A non-nil err
// means the execution may have ended without reporting its terminal status.
type DoneFunc func(status domain.BuildStatus, err error)

// Launcher starts one isolated build execution and returns without waiting
// for it. done is called exactly once, after the execution has ended, and
// only when Launch returned nil.
type Launcher interface {
	Launch(ctx context.Context, job build.Job, replyQueue string, done DoneFunc) error
}

// RunFunc runs a build to completion inside the current process.
type RunFunc func(ctx context.Context, job build.Job, replyQueue string) (domain.BuildStatus, error)

// GoroutineLauncher runs each build on its own goroutine. A panic ends that
// build with an error and leaves the consumer running. Builds are detached
// from the launching context so a node shutdown lets them finish.
type GoroutineLauncher struct {
	Run RunFunc
}

// Launch implements Launcher.
func (l *GoroutineLauncher) Launch(ctx context.Context, job build.Job, replyQueue string, done DoneFunc) error {
	if l.Run == nil {
		return errors.New("goroutine launcher has no run function")
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		status, err := domain.BuildStatusError, error(nil)
		defer func() {
			if r := recover(); r != nil {
				status, err = domain.BuildStatusError, fmt.Errorf("build %s panicked: %v", job.BuildID, r)
			}
			done(status, err)
		}()
		status, err = l.Run(runCtx, job, replyQueue)
	}()
	return nil
}

// ProcessLauncher re-executes a binary once per build:
//
//	<Executable> <Args...> exec-job --build-id <id> --slot <n> --reply-queue <q> [--queued-at <t>]
//
// The child's exit code carries the terminal status (see ExitCodeFor).
type ProcessLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are placed before the exec-job subcommand.
	Args []string
	// Env is added to the parent's environment.
	Env    []string
	Logger *slog.Logger
}

// Command returns the child process for job without starting it.
func (l *ProcessLauncher) Command(job build.Job, replyQueue string) (*exec.Cmd, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	args := append([]string{}, l.Args...)
	args = append(args, "exec-job",
		"--build-id", job.BuildID,
		"--slot", strconv.Itoa(job.Slot),
		"--reply-queue", replyQueue)
	if !job.QueuedAt.IsZero() {
		args = append(args, "--queued-at", job.QueuedAt.UTC().Format(time.RFC3339Nano))
	}

	// Not tied to a context: a node shutdown must not kill running builds.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd, nil
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(_ context.Context, job build.Job, replyQueue string, done DoneFunc) error {
	cmd, err := l.Command(job, replyQueue)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start build process for %s: %w", job.BuildID, err)
	}
	logger := l.logger().With("build_id", job.BuildID, "pid", cmd.Process.Pid)
	logger.Info("build process started", "slot", job.Slot)

	go func() {
		err := cmd.Wait()
		if err == nil {
			done(domain.BuildStatusFinished, nil)
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			status := StatusForExit(code)
			if code != ExitError && code != ExitCancelled {
				if code == ExitFailed {
					logger.Error("build process failed before reporting", "exit_code", code)
				} else {
					logger.Error("build process crashed", "exit_code", code)
				}
				done(status, fmt.Errorf("build process exited with code %d", code))
				return
			}
			done(status, nil)
			return
		}
		done(domain.BuildStatusError, fmt.Errorf("wait for build process: %w", err))
	}()
	return nil
}

func (l *ProcessLauncher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
