// Package queue carries build commands from the dispatcher to worker nodes
// and progress events back, over an AMQP broker.
//
// Three kinds of channel exist:
//
//   - a durable start queue shared by every worker node, consumed with a
//     per-node prefetch so at most N builds run on a node at once;
//   - a fan-out cancel exchange; each node binds its own durable queue so
//     every node observes every cancellation;
//   - a fan-out reply exchange per build, named by the build id. Every
//     watching session binds its own exclusive queue to it, the first before
//     the start message is published. The build's publisher deletes the
//     exchange after the terminal event.
package queue

import (
	"encoding/json"
	"fmt"

	"notebook-builder/internal/domain"
)

// EncodeMessage validates and serialises a queue envelope.
func EncodeMessage(m domain.QueueMessage) ([]byte, error) {
	if err := validateMessage(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates a queue envelope.
func DecodeMessage(body []byte) (domain.QueueMessage, error) {
	var m domain.QueueMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, domain.ErrValidation("malformed queue message: %v", err)
	}
	if err := validateMessage(m); err != nil {
		return m, err
	}
	return m, nil
}

func validateMessage(m domain.QueueMessage) error {
	if m.BuildID == "" {
		return domain.ErrValidation("queue message has no build_id")
	}
	switch m.Command {
	case domain.CommandStart:
		if m.ReplyQueue == "" {
			return domain.ErrValidation("start message for %s has no consumer_queue", m.BuildID)
		}
	case domain.CommandCancel:
	default:
		return domain.ErrValidation("unknown queue command %q", m.Command)
	}
	return nil
}

// EncodeEvent serialises a progress event.
func EncodeEvent(e domain.ProgressEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a progress event.
func DecodeEvent(body []byte) (domain.ProgressEvent, error) {
	var e domain.ProgressEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("decode progress event: %w", err)
	}
	if e.State == "" {
		return e, fmt.Errorf("decode progress event: missing state")
	}
	return e, nil
}

// StartMessage builds the start envelope for a build. Its reply route is named
// by the build id.
func StartMessage(buildID string) domain.QueueMessage {
	return domain.QueueMessage{BuildID: buildID, Command: domain.CommandStart, ReplyQueue: buildID}
}

// CancelMessage builds the cancel envelope for a build.
func CancelMessage(buildID string) domain.QueueMessage {
	return domain.QueueMessage{BuildID: buildID, Command: domain.CommandCancel}
}
