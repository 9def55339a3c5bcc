package domain

import "time"

// QueueCommand is the verb carried by a queue message.
type QueueCommand string

// Queue commands.
const (
	CommandStart  QueueCommand = "start"
	CommandCancel QueueCommand = "cancel"
)

// QueueMessage is the envelope published on the start and cancel channels.
// ReplyQueue is only set on start messages. IssuedAt is stamped by the
// publisher; a cancel only applies to executions queued at or before it.
type QueueMessage struct {
	BuildID    string       `json:"build_id"`
	Command    QueueCommand `json:"command"`
	ReplyQueue string       `json:"consumer_queue,omitempty"`
	IssuedAt   time.Time    `json:"issued_at,omitzero"`
}

// ProgressState is the client-facing state carried by a progress event.
type ProgressState string

// Progress states. Finished, Cancelled and Error are terminal.
const (
	ProgressStarted   ProgressState = "Started"
	ProgressRunning   ProgressState = "Running"
	ProgressCancelled ProgressState = "Cancelled"
	ProgressError     ProgressState = "Error"
	ProgressFinished  ProgressState = "Finished"
)

// IsTerminal reports whether the state ends a progress stream.
func (s ProgressState) IsTerminal() bool {
	switch s {
	case ProgressCancelled, ProgressError, ProgressFinished:
		return true
	}
	return false
}

// ProgressEvent is one message relayed from a worker to the client.
type ProgressEvent struct {
	State   ProgressState `json:"state"`
	Message string        `json:"message"`
}

// IsTerminal reports whether the event ends the stream.
func (e ProgressEvent) IsTerminal() bool { return e.State.IsTerminal() }

// ProgressStateFor maps a terminal build status to the progress state the
// client sees.
func ProgressStateFor(s BuildStatus) ProgressState {
	switch s {
	case BuildStatusFinished:
		return ProgressFinished
	case BuildStatusCancelled:
		return ProgressCancelled
	case BuildStatusError:
		return ProgressError
	case BuildStatusStarted, BuildStatusQueued:
		return ProgressStarted
	}
	return ProgressRunning
}
