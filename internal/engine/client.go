// Package engine provides the client for the remote rewrite engine's action RPC surface.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/scene-rewriter/internal/schemas"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// DefaultTimeout bounds every engine call
const DefaultTimeout = 120 * time.Second

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 32 << 20

// Client is the remote unit-of-work surface consumed by the orchestrator
type Client interface {
	PutSource(ctx context.Context, req types.PutSourceRequest) (*types.PutSourceResponse, error)
	Probe(ctx context.Context, ref types.SourceRef) (*types.ProbeResult, error)
	ScopePlan(ctx context.Context, req types.ScopePlanRequest) (*types.ScopePlan, error)
	Enqueue(ctx context.Context, req types.EnqueueRequest) (*types.EnqueueResponse, error)
	ClaimNext(ctx context.Context, req types.RunRequest) (*types.ClaimResponse, error)
	Status(ctx context.Context, req types.RunRequest) (*types.StatusResponse, error)
	RetryFailed(ctx context.Context, req types.RetryFailedRequest) (*types.RetryFailedResponse, error)
	RequeueStuck(ctx context.Context, req types.RequeueStuckRequest) (*types.RequeueStuckResponse, error)
	Verify(ctx context.Context, req types.VerifyRequest) (*types.Verification, error)
	Assemble(ctx context.Context, req types.AssembleRequest) (*types.AssembleResult, error)
	ActiveRun(ctx context.Context, ref types.SourceRef) (types.RunID, error)
}

// HTTPClient implements Client over JSON-over-HTTP
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	timeout    time.Duration
	validate   bool
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithTimeout overrides the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient sets the underlying transport client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithoutSchemaValidation disables response schema checks
func WithoutSchemaValidation() Option {
	return func(c *HTTPClient) {
		c.validate = false
	}
}

// NewHTTPClient creates a client for the engine at baseURL
func NewHTTPClient(baseURL string, token TokenSource, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		token:      token,
		timeout:    DefaultTimeout,
		validate:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PutSource imports source content
func (c *HTTPClient) PutSource(ctx context.Context, req types.PutSourceRequest) (*types.PutSourceResponse, error) {
	var resp types.PutSourceResponse
	if err := c.call(ctx, types.ActionPutSource, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe reports whether the source decomposes into units
func (c *HTTPClient) Probe(ctx context.Context, ref types.SourceRef) (*types.ProbeResult, error) {
	var resp types.ProbeResult
	if err := c.call(ctx, types.ActionProbe, ref, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScopePlan asks the remote planner for the blast radius of a set of notes
func (c *HTTPClient) ScopePlan(ctx context.Context, req types.ScopePlanRequest) (*types.ScopePlan, error) {
	var resp types.ScopePlan
	if err := c.call(ctx, types.ActionScopePlan, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enqueue registers a batch of jobs
func (c *HTTPClient) Enqueue(ctx context.Context, req types.EnqueueRequest) (*types.EnqueueResponse, error) {
	var resp types.EnqueueResponse
	if err := c.call(ctx, types.ActionEnqueue, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimNext claims and executes the next queued job of a run
func (c *HTTPClient) ClaimNext(ctx context.Context, req types.RunRequest) (*types.ClaimResponse, error) {
	var resp types.ClaimResponse
	if err := c.call(ctx, types.ActionClaimNext, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the authoritative state of a run
func (c *HTTPClient) Status(ctx context.Context, req types.RunRequest) (*types.StatusResponse, error) {
	var resp types.StatusResponse
	if err := c.call(ctx, types.ActionStatus, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RetryFailed resets failed jobs to queued
func (c *HTTPClient) RetryFailed(ctx context.Context, req types.RetryFailedRequest) (*types.RetryFailedResponse, error) {
	var resp types.RetryFailedResponse
	if err := c.call(ctx, types.ActionRetryFailed, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequeueStuck requeues jobs that have been running too long
func (c *HTTPClient) RequeueStuck(ctx context.Context, req types.RequeueStuckRequest) (*types.RequeueStuckResponse, error) {
	var resp types.RequeueStuckResponse
	if err := c.call(ctx, types.ActionRequeueStuck, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify checks cross-unit invariants
func (c *HTTPClient) Verify(ctx context.Context, req types.VerifyRequest) (*types.Verification, error) {
	var resp types.Verification
	if err := c.call(ctx, types.ActionVerify, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Assemble composes the final artifact
func (c *HTTPClient) Assemble(ctx context.Context, req types.AssembleRequest) (*types.AssembleResult, error) {
	var resp types.AssembleResult
	if err := c.call(ctx, types.ActionAssemble, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveRun returns the most recent queued or running run for a source version, or "" if none
func (c *HTTPClient) ActiveRun(ctx context.Context, ref types.SourceRef) (types.RunID, error) {
	var resp types.ActiveRunResponse
	if err := c.call(ctx, types.ActionActiveRunLookup, ref, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// call performs one action round trip under the client-enforced timeout
func (c *HTTPClient) call(ctx context.Context, action string, request, response any) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/actions/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", action, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &RemoteError{Action: action, Message: fmt.Sprintf("no response within %s", c.timeout), Cause: ErrTimeout}
		}
		return &RemoteError{Action: action, Message: err.Error(), Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &RemoteError{Action: action, StatusCode: resp.StatusCode, Message: fmt.Sprintf("no response within %s", c.timeout), Cause: ErrTimeout}
		}
		return &RemoteError{Action: action, StatusCode: resp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(action, resp, data)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &RemoteError{Action: action, StatusCode: resp.StatusCode, Message: "empty response body", Cause: ErrInvalidResponse}
	}

	if c.validate && schemas.Has(action) {
		if err := schemas.Validate(action, data); err != nil {
			return &RemoteError{
				Action:     action,
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(err.Error()),
				Cause:      fmt.Errorf("%w: %w", ErrInvalidResponse, err),
			}
		}
	}

	if err := json.Unmarshal(data, response); err != nil {
		return &RemoteError{
			Action:     action,
			StatusCode: resp.StatusCode,
			Message:    "failed to decode response",
			Cause:      fmt.Errorf("%w: %w", ErrInvalidResponse, err),
		}
	}
	return nil
}

func (c *HTTPClient) sessionToken(ctx context.Context) (string, error) {
	if c.token == nil {
		return "", ErrNoSession
	}
	token, err := c.token(ctx)
	if err != nil {
		return "", &PreconditionError{Message: "no authenticated session", Cause: err}
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrNoSession
	}
	return token, nil
}

// statusError maps an HTTP error status onto the domain taxonomy
func statusError(action string, resp *http.Response, data []byte) error {
	var body types.ErrorResponse
	_ = json.Unmarshal(data, &body)

	message := body.Error
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	remote := &RemoteError{
		Action:     action,
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    message,
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		remote.Cause = ErrUnauthenticated
	case resp.StatusCode == http.StatusPaymentRequired || body.Code == types.CodeCreditsExhausted:
		remote.Cause = ErrCreditsExhausted
	case resp.StatusCode == http.StatusTooManyRequests || body.Code == types.CodeRateLimited:
		remote.Cause = ErrRateLimited
		remote.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusNotFound:
		remote.Cause = ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		remote.Cause = ErrConflict
	case resp.StatusCode >= http.StatusInternalServerError:
		remote.Cause = ErrServer
	default:
		remote.Cause = ErrBadRequest
	}
	return remote
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
