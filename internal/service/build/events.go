package build

import "notebook-builder/internal/domain"

// EventKind tags a StageEvent.
type EventKind int

// Stage event kinds.
const (
	// EventMessage is progress text shown to the client and written to the log.
	EventMessage EventKind = iota
	// EventError is a failure reported by a stage. The executor ends the
	// build with it.
	EventError
	// EventInputSchema carries the declared input schema of the function.
	EventInputSchema
	// EventOutputSchema carries the declared output schema of the function.
	EventOutputSchema
	// EventFunctionARN carries the ARN of the deployed function.
	EventFunctionARN
	// EventDot is a lightweight liveness marker written without a newline.
	EventDot
)

// StageEvent is one item emitted by a pipeline stage.
type StageEvent struct {
	Kind    EventKind
	Message string
	Schema  domain.FieldSchema
	ARN     string
}

// Emit is the callback stages report through. A non-nil error stops the
// stage and is returned from it unchanged.
type Emit func(StageEvent) error

// Message returns an EventMessage.
func Message(msg string) StageEvent { return StageEvent{Kind: EventMessage, Message: msg} }

// Dot returns an EventDot.
func Dot() StageEvent { return StageEvent{Kind: EventDot, Message: "."} }
