package build

import (
	"errors"
	"fmt"

	"notebook-builder/internal/domain"
)

// Kind classifies why a build stopped before finishing.
type Kind int

// Error kinds.
const (
	// KindFatal ends the build with status Error.
	KindFatal Kind = iota
	// KindCancelled ends the build with status Cancelled.
	KindCancelled
	// KindTransientExhausted is a retried failure that ran out of attempts.
	// It ends the build with status Error.
	KindTransientExhausted
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTransientExhausted:
		return "transient_exhausted"
	default:
		return "fatal"
	}
}

// Status returns the terminal build status the kind maps to.
func (k Kind) Status() domain.BuildStatus {
	if k == KindCancelled {
		return domain.BuildStatusCancelled
	}
	return domain.BuildStatusError
}

// Error is the error a pipeline stage returns to end the build early.
type Error struct {
	Kind    Kind
	BuildID string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatalf returns a KindFatal error with a formatted message.
func Fatalf(buildID, format string, args ...any) *Error {
	return &Error{Kind: KindFatal, BuildID: buildID, Message: fmt.Sprintf(format, args...)}
}

// Fatal wraps err as a KindFatal error.
func Fatal(buildID, msg string, err error) *Error {
	return &Error{Kind: KindFatal, BuildID: buildID, Message: msg, Err: err}
}

// Cancelled returns a KindCancelled error.
func Cancelled(buildID string) *Error {
	return &Error{Kind: KindCancelled, BuildID: buildID, Message: "build cancelled"}
}

// Exhausted wraps the last transient failure once retries are used up.
func Exhausted(buildID, msg string, err error) *Error {
	return &Error{Kind: KindTransientExhausted, BuildID: buildID, Message: msg, Err: err}
}

// KindOf classifies err. Errors that are not an *Error are fatal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindFatal
}

// IsCancelled reports whether err ends the build as cancelled.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}
