package build

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLogLine bounds one physical line of engine output.
const maxLogLine = 4 << 20

type engineMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux *struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

// LogParser decodes the container engine's JSON progress stream one physical
// line at a time. Objects the engine split across several lines are rebuilt
// from the last line opening an object and the last line closing one.
type LogParser struct {
	start, end string
	// ImageID is the id of the built image once the stream has reported it.
	ImageID string
}

// Feed parses one line. ok is false when the line produced no event: blank
// lines, fragments still waiting for their other half, and messages that
// carry neither text nor an error. A rebuilt object that still does not
// decode is returned as an error.
func (p *LogParser) Feed(line string) (ev StageEvent, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return StageEvent{}, false, nil
	}

	var msg engineMessage
	if jerr := json.Unmarshal([]byte(line), &msg); jerr == nil {
		p.start, p.end = "", ""
	} else {
		opens, closes := strings.HasPrefix(line, "{"), strings.HasSuffix(line, "}")
		switch {
		case opens && closes && p.start == "":
			p.start = line
		case opens && closes:
			p.end = line
		case opens:
			p.start = line
		case closes:
			p.end = line
		}
		if p.start == "" || p.end == "" {
			return StageEvent{}, false, nil
		}
		joined := p.start + p.end
		p.start, p.end = "", ""
		if err := json.Unmarshal([]byte(joined), &msg); err != nil {
			return StageEvent{}, false, fmt.Errorf("could not decipher payload from engine: %w", err)
		}
	}
	return p.event(msg)
}

func (p *LogParser) event(msg engineMessage) (StageEvent, bool, error) {
	switch {
	case msg.ErrorDetail != nil:
		return StageEvent{Kind: EventError, Message: msg.ErrorDetail.Message}, true, nil
	case msg.Error != "":
		return StageEvent{Kind: EventError, Message: msg.Error}, true, nil
	case msg.Aux != nil && msg.Aux.ID != "":
		p.ImageID = msg.Aux.ID
		return StageEvent{}, false, nil
	case msg.Stream != "":
		if f := strings.Fields(msg.Stream); len(f) == 3 && f[0] == "Successfully" && f[1] == "built" {
			p.ImageID = f[2]
		}
		return Message(msg.Stream), true, nil
	}
	return StageEvent{}, false, nil
}

// streamLines runs produce with a writer and hands every line it writes to
// each. If each fails, produce's context is cancelled and its writes fail, and
// the error from each is returned; otherwise the error from produce is.
func streamLines(ctx context.Context, produce func(context.Context, io.Writer) error, each func(string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := produce(ctx, pw)
		_ = pw.CloseWithError(err)
		done <- err
	}()

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	var lineErr error
	for sc.Scan() {
		if lineErr = each(sc.Text()); lineErr != nil {
			break
		}
	}
	if lineErr == nil {
		if serr := sc.Err(); serr != nil && serr != io.ErrClosedPipe {
			lineErr = serr
		}
	}
	if lineErr != nil {
		cancel()
		_ = pr.CloseWithError(lineErr)
		<-done
		return lineErr
	}
	return <-done
}
