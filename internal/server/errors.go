// Package server exposes the reference rewrite engine over the JSON action API.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// ErrUnknownAction indicates a request for an action the engine does not serve
type ErrUnknownAction struct {
	Action string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action: %s", e.Action)
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the HTTP status code and error code for an error
func HTTPStatus(err error) (int, string) {
	var unknown *ErrUnknownAction
	var invalid *ErrValidation
	var precondition *engine.PreconditionError

	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound, types.CodeNotFound
	case errors.As(err, &invalid), errors.Is(err, engine.ErrBadRequest):
		return http.StatusBadRequest, types.CodeInvalidRequest
	case errors.As(err, &precondition):
		return http.StatusUnauthorized, types.CodeUnauthenticated
	case errors.Is(err, engine.ErrCreditsExhausted):
		return http.StatusPaymentRequired, types.CodeCreditsExhausted
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests, types.CodeRateLimited
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, types.CodeNotFound
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, rewriting.ErrActiveRunExists),
		errors.Is(err, rewriting.ErrSourceChanged):
		return http.StatusConflict, types.CodeConflict
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}
