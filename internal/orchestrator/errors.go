package orchestrator

import (
	"errors"

	"github.com/jonathan/scene-rewriter/internal/engine"
)

var (
	// ErrBusy is returned when an operation starts while another is in flight
	ErrBusy = errors.New("orchestrator is busy")

	// ErrNoRunIdentity is returned when no run could be resolved for an operation that needs one
	ErrNoRunIdentity = &engine.PreconditionError{Message: "no resolved run identity"}

	// ErrExpansionExhausted is returned by Run when verification still fails and no automatic expansion is left
	ErrExpansionExhausted = errors.New("verification failed and scope expansion is exhausted: manual action required")
)
