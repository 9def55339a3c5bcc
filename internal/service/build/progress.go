package build

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"notebook-builder/internal/domain"
)

// EventPublisher delivers progress events to everyone watching a build.
// Implemented by queue.ReplyPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.ProgressEvent) error
}

// Reporter sends progress events for one build and appends them to the
// build log. After the first terminal event every later event is dropped.
type Reporter struct {
	mu       sync.Mutex
	pub      EventPublisher
	log      io.Writer
	logger   *slog.Logger
	terminal *domain.ProgressEvent
}

// NewReporter returns a Reporter publishing to pub and logging to log.
// Either may be nil.
func NewReporter(pub EventPublisher, log io.Writer, logger *slog.Logger) *Reporter {
	return &Reporter{pub: pub, log: log, logger: logger}
}

// attachLog sets the writer events are appended to. nil stops logging.
func (r *Reporter) attachLog(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = w
}

// Running sends a Running event followed by a newline in the log.
func (r *Reporter) Running(ctx context.Context, msg string) {
	r.send(ctx, domain.ProgressRunning, msg, true)
}

// Inline sends a Running event with no newline in the log.
func (r *Reporter) Inline(ctx context.Context, msg string) {
	r.send(ctx, domain.ProgressRunning, msg, false)
}

// Finish sends the terminal event. It reports false when a terminal event was
// already sent, in which case nothing is sent.
func (r *Reporter) Finish(ctx context.Context, state domain.ProgressState, msg string) bool {
	return r.send(ctx, state, msg, true)
}

// Terminal returns the terminal event sent, if any.
func (r *Reporter) Terminal() (domain.ProgressEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal == nil {
		return domain.ProgressEvent{}, false
	}
	return *r.terminal, true
}

func (r *Reporter) send(ctx context.Context, state domain.ProgressState, msg string, newline bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal != nil {
		return false
	}
	ev := domain.ProgressEvent{State: state, Message: NormalizeNewlines(msg)}
	if state.IsTerminal() {
		r.terminal = &ev
	}

	if r.log != nil {
		line := ev.Message
		if newline {
			line += "\r\n"
		}
		if _, err := io.WriteString(r.log, line); err != nil {
			r.logger.Warn("append build log failed", "error", err)
		}
	}
	if r.pub != nil {
		// The client may have gone away; the build carries on regardless.
		if err := r.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
			r.logger.Warn("publish progress event failed", "state", state, "error", err)
		}
	}
	return true
}

// NormalizeNewlines turns bare \n line endings into \r\n. Text that already
// contains \r\n is returned unchanged.
func NormalizeNewlines(s string) string {
	if strings.Contains(s, "\r\n") || !strings.Contains(s, "\n") {
		return s
	}
	return strings.ReplaceAll(s, "\n", "\r\n")
}
