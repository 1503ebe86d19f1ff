// Package rewriting implements the reference rewrite engine: it imports sources, plans scope,
// queues per-unit jobs, executes them against a model, verifies continuity, and assembles artifacts.
package rewriting

import (
	"errors"
	"fmt"

	"github.com/jonathan/scene-rewriter/internal/engine"
)

// ErrActiveRunExists is returned by Store.CreateRun when the source version already has an active run
var ErrActiveRunExists = errors.New("source version already has an active run")

// ErrSourceChanged is returned by Store.SaveSource when a version is re-imported with different content
var ErrSourceChanged = errors.New("source version already imported with different content")

// ModelError represents a failed model call
type ModelError struct {
	Message string
	Cause   error
}

func (e *ModelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("model call failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("model call failed: %s", e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// OutputError represents model output that could not be used
type OutputError struct {
	Message string
	Cause   error
}

func (e *OutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unusable model output: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("unusable model output: %s", e.Message)
}

func (e *OutputError) Unwrap() error {
	return e.Cause
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrBadRequest, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrNotFound, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrConflict, fmt.Sprintf(format, args...))
}
