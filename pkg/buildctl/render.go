package buildctl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"notebook-builder/internal/domain"
)

// Renderer prints progress events.
type Renderer interface {
	Render(ev domain.ProgressEvent) error
}

// RawRenderer writes messages as the build log has them, for terminals.
// Running messages other than progress dots end the line.
type RawRenderer struct {
	W io.Writer
}

// Render implements Renderer.
func (r RawRenderer) Render(ev domain.ProgressEvent) error {
	msg := ev.Message
	switch {
	case ev.State == domain.ProgressRunning && msg == ".":
	case ev.IsTerminal():
		msg = fmt.Sprintf("\r\n%s: %s\r\n", ev.State, msg)
	default:
		msg += "\r\n"
	}
	_, err := io.WriteString(r.W, msg)
	return err
}

// LineRenderer writes one "state: text" line per non-empty log line and
// drops progress dots, for pipes and files.
type LineRenderer struct {
	W io.Writer
}

// Render implements Renderer.
func (r LineRenderer) Render(ev domain.ProgressEvent) error {
	if ev.State == domain.ProgressRunning && ev.Message == "." {
		return nil
	}
	text := strings.ReplaceAll(ev.Message, "\r\n", "\n")
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintf(r.W, "%s: %s\n", ev.State, line); err != nil {
			return err
		}
	}
	return nil
}

// JSONRenderer writes each event as one JSON object per line.
type JSONRenderer struct {
	W io.Writer
}

// Render implements Renderer.
func (r JSONRenderer) Render(ev domain.ProgressEvent) error {
	return json.NewEncoder(r.W).Encode(ev)
}

// Outcome remembers the last terminal event it saw.
type Outcome struct {
	Renderer Renderer
	Final    *domain.ProgressEvent
}

// Render implements Renderer.
func (o *Outcome) Render(ev domain.ProgressEvent) error {
	if ev.IsTerminal() {
		o.Final = &ev
	}
	return o.Renderer.Render(ev)
}
