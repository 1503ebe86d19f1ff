package engine

import (
	"errors"
	"fmt"
	"time"
)

// Class groups errors by how the orchestrator reacts to them
type Class int

// Class constants
const (
	// ClassTransient errors are logged and retried at the next iteration
	ClassTransient Class = iota
	// ClassPrecondition errors are fatal and never retried
	ClassPrecondition
	// ClassResourceExhausted errors stop the loop and notify the user
	ClassResourceExhausted
)

func (c Class) String() string {
	switch c {
	case ClassPrecondition:
		return "precondition"
	case ClassResourceExhausted:
		return "resource_exhausted"
	default:
		return "transient"
	}
}

// PreconditionError is a fatal, non-retryable failure such as a missing session
type PreconditionError struct {
	Message string
	Cause   error
}

func (e *PreconditionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("precondition failed: %s", e.Message)
}

func (e *PreconditionError) Unwrap() error {
	return e.Cause
}

// Sentinel errors returned (possibly wrapped in a RemoteError) by the client
var (
	ErrNoSession        = &PreconditionError{Message: "no authenticated session"}
	ErrUnauthenticated  = &PreconditionError{Message: "session rejected by engine"}
	ErrCreditsExhausted = errors.New("credits exhausted")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("request timed out")
	ErrInvalidResponse  = errors.New("invalid response body")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrServer           = errors.New("engine server error")
	ErrBadRequest       = errors.New("bad request")
)

// RemoteError describes a failed engine call
type RemoteError struct {
	Action     string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("engine %s failed (HTTP %d): %s", e.Action, e.StatusCode, msg)
	}
	return fmt.Sprintf("engine %s failed: %s", e.Action, msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Classify maps an error onto the orchestrator's error taxonomy
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var pre *PreconditionError
	if errors.As(err, &pre) {
		return ClassPrecondition
	}
	if errors.Is(err, ErrCreditsExhausted) || errors.Is(err, ErrRateLimited) {
		return ClassResourceExhausted
	}
	return ClassTransient
}

// UserMessage returns the user-facing text for blocking errors
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrCreditsExhausted):
		return "Rewrite credits are exhausted. Add credits and resume the run."
	case errors.Is(err, ErrRateLimited):
		var remote *RemoteError
		if errors.As(err, &remote) && remote.RetryAfter > 0 {
			return fmt.Sprintf("The rewrite engine is rate limiting requests. Try again in %s.", remote.RetryAfter.Round(time.Second))
		}
		return "The rewrite engine is rate limiting requests. Wait a moment and resume."
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrUnauthenticated):
		return "You are not signed in to the rewrite engine."
	default:
		return err.Error()
	}
}
