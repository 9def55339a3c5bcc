package bridge

import (
	"encoding/json"

	"notebook-builder/internal/domain"
)

// Frame is one client request on a bridge session.
type Frame struct {
	Command domain.QueueCommand `json:"command"`
	BuildID string              `json:"build_id"`
	JWT     string              `json:"jwt"`
}

// DecodeFrame parses and checks a client frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, domain.ErrValidation("malformed frame: %v", err)
	}
	if f.BuildID == "" {
		return f, domain.ErrValidation("frame has no build_id")
	}
	switch f.Command {
	case domain.CommandStart, domain.CommandCancel:
	default:
		return f, domain.ErrValidation("unknown command %q", f.Command)
	}
	return f, nil
}

// CloseReason renders err as the reason of a websocket close frame, which is
// limited to 123 bytes.
func CloseReason(err error) string {
	msg := err.Error()
	if len(msg) > 123 {
		msg = msg[:120] + "..."
	}
	return msg
}
