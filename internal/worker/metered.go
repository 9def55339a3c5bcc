package worker

import (
	"context"
	"time"

	"notebook-builder/internal/domain"
	"notebook-builder/internal/service/build"
)

// BuildRecorder receives build lifecycle metrics.
type BuildRecorder interface {
	BuildStarted()
	BuildFinished(status domain.BuildStatus, elapsed time.Duration)
}

type metered struct {
	next Launcher
	rec  BuildRecorder
	now  func() time.Time
}

// Metered records the start and outcome of every build next launches. It
// serves launchers whose builds run out of process and cannot record for
// themselves. A nil rec returns next unchanged.
func Metered(next Launcher, rec BuildRecorder) Launcher {
	if rec == nil {
		return next
	}
	return &metered{next: next, rec: rec, now: time.Now}
}

func (m *metered) Launch(ctx context.Context, job build.Job, replyQueue string, done DoneFunc) error {
	started := m.now()
	err := m.next.Launch(ctx, job, replyQueue, func(status domain.BuildStatus, err error) {
		m.rec.BuildFinished(status, m.now().Sub(started))
		done(status, err)
	})
	if err == nil {
		m.rec.BuildStarted()
	}
	return err
}
