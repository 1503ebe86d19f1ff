package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonathan/scene-rewriter/internal/config"
	"github.com/jonathan/scene-rewriter/internal/db"
	"github.com/jonathan/scene-rewriter/internal/engine"
	"github.com/jonathan/scene-rewriter/internal/llm"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/server/middleware"
	"github.com/jonathan/scene-rewriter/internal/server/ratelimit"
	"github.com/jonathan/scene-rewriter/internal/types"
)

const (
	// maxRequestBytes caps an action request body; put_source carries whole manuscripts
	maxRequestBytes = 16 << 20
	// modelRetryAfter is advertised when the model provider rejects a call for quota
	modelRetryAfter = 30 * time.Second
	// defaultWatchInterval is how often the run event stream polls status
	defaultWatchInterval = 2 * time.Second
)

// actionFunc decodes one action request and executes it
type actionFunc func(ctx context.Context, body io.Reader) (any, error)

// Server represents the HTTP server
type Server struct {
	httpServer    *http.Server
	engine        engine.Client
	db            *db.DB
	closers       []io.Closer
	rateLimiter   *ratelimit.Limiter
	jwtService    *JWTService
	actions       map[string]actionFunc
	watchInterval time.Duration
}

// Config holds server configuration
type Config struct {
	Port        int
	DatabaseURL string
	InMemory    bool // Keep engine state in process memory instead of PostgreSQL
	APIKey      string
	JWT         *config.JWTConfig // Read from the environment when nil
	RateLimit   *ratelimit.Config // Read from the environment when nil
	Model       rewriting.Model   // Replaces the Gemini model when set
}

// New creates a new server instance backed by PostgreSQL (or memory) and the Gemini model
func New(cfg Config) (*Server, error) {
	ctx := context.Background()

	jwtConfig := cfg.JWT
	if jwtConfig == nil {
		var err error
		if jwtConfig, err = config.NewJWTConfig(); err != nil {
			return nil, fmt.Errorf("failed to create JWT config: %w", err)
		}
	}
	rateConfig := cfg.RateLimit
	if rateConfig == nil {
		rateConfig = ratelimit.LoadConfig()
	}

	model := cfg.Model
	var closers []io.Closer
	if model == nil {
		llmClient, err := llm.NewClient(ctx, llm.ConfigFromEnv(os.Getenv), cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		if closer, ok := llmClient.(io.Closer); ok {
			closers = append(closers, closer)
		}
		model = rewriting.NewGeminiModel(llmClient)
	}

	var store rewriting.Store
	var database *db.DB
	var err error
	if cfg.InMemory {
		store = rewriting.NewMemoryStore()
		log.Println("Engine state is kept in memory")
	} else {
		database, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := database.Migrate(ctx)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		if applied > 0 {
			log.Printf("Applied %d migration(s)", applied)
		}
		store = database
	}

	service := rewriting.NewService(store, model)
	s := newServer(service, NewJWTService(jwtConfig), ratelimit.NewLimiter(rateConfig))
	s.db = database
	s.closers = closers

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // claim_next waits on the model
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// newServer wires the action table around an engine implementation
func newServer(client engine.Client, jwtService *JWTService, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		engine:        client,
		rateLimiter:   limiter,
		jwtService:    jwtService,
		watchInterval: defaultWatchInterval,
	}
	s.actions = map[string]actionFunc{
		types.ActionPutSource:       bind(client.PutSource),
		types.ActionProbe:           bind(client.Probe),
		types.ActionScopePlan:       bind(client.ScopePlan),
		types.ActionEnqueue:         bind(client.Enqueue),
		types.ActionClaimNext:       bind(client.ClaimNext),
		types.ActionStatus:          bind(client.Status),
		types.ActionRetryFailed:     bind(client.RetryFailed),
		types.ActionRequeueStuck:    bind(client.RequeueStuck),
		types.ActionVerify:          bind(client.Verify),
		types.ActionAssemble:        bind(client.Assemble),
		types.ActionActiveRunLookup: bind(activeRunLookup(client)),
	}
	return s
}

// activeRunLookup wraps the bare run ID in its response body
func activeRunLookup(client engine.Client) func(context.Context, types.SourceRef) (*types.ActiveRunResponse, error) {
	return func(ctx context.Context, ref types.SourceRef) (*types.ActiveRunResponse, error) {
		id, err := client.ActiveRun(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &types.ActiveRunResponse{RunID: id}, nil
	}
}

// bind adapts a typed engine operation to an actionFunc
func bind[Req, Resp any](fn func(context.Context, Req) (Resp, error)) actionFunc {
	return func(ctx context.Context, body io.Reader) (any, error) {
		var req Req
		if err := decodeRequest(body, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

func decodeRequest(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &ErrValidation{Field: "body", Message: "request body is empty"}
		case errors.As(err, &tooLarge):
			return &ErrValidation{Field: "body", Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		default:
			return &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
		}
	}
	return nil
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	auth := middleware.AuthMiddleware(s.jwtService.AsTokenValidator())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST "+ratelimit.ActionPrefix+"{action}", auth(s.withRateLimit(http.HandlerFunc(s.handleAction))))
	mux.Handle("GET /v1/runs/{runId}/events", auth(http.HandlerFunc(s.handleRunEvents)))

	return s.withLogging(s.withCORS(mux))
}

// Start begins listening for requests and shuts down gracefully on a signal or when ctx is done
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.Close()
	log.Println("Server stopped")
	return nil
}

// Close releases the server's resources
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Printf("Warning: failed to close: %v", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit throttles actions per account, falling back to the client IP
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action, ok := ratelimit.ActionFromPath(r.URL.Path)
		if !ok || s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), action)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, action, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for the request log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps event streams working through the logging wrapper
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(rec, r)
		log.Printf("[%s] %s %d completed in %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			log.Printf("Health check failed: %v", err)
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database unreachable"})
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAction dispatches POST /v1/actions/{action}
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	handler, ok := s.actions[action]
	if !ok {
		s.actionError(w, action, &ErrUnknownAction{Action: action})
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	resp, err := handler(r.Context(), body)
	if err != nil {
		s.actionError(w, action, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleRunEvents streams run status as server-sent events until no job is queued or running
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	req := types.RunRequest{
		RunID:           types.RunID(r.PathValue("runId")),
		SourceVersionID: r.URL.Query().Get("sourceVersionId"),
	}

	// The first read happens before the stream opens so lookup errors keep their status code
	status, err := s.engine.Status(r.Context(), req)
	if err != nil {
		s.actionError(w, types.ActionStatus, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		if err := sse.WriteEvent("status", status); err != nil {
			return
		}
		if status.Queued == 0 && status.Running == 0 {
			outcome := "done"
			if status.Failed > 0 {
				outcome = "failed"
			}
			sse.WriteComplete(string(req.RunID), outcome)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		if status, err = s.engine.Status(r.Context(), req); err != nil {
			if r.Context().Err() == nil {
				sse.WriteError(err.Error())
			}
			return
		}
	}
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	s.jsonResponse(w, status, types.ErrorResponse{Error: message, Code: code})
}

// actionError maps an engine error onto its status code and error body
func (s *Server) actionError(w http.ResponseWriter, action string, err error) {
	status, code := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[%s] internal error: %v", action, err)
		message = "internal server error"
	} else {
		log.Printf("[%s] %s: %v", action, code, err)
	}
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", strconv.Itoa(int(modelRetryAfter.Seconds())))
	}
	s.errorResponse(w, status, code, message)
}

// extractClientID identifies the caller: the authenticated account, else the IP from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	if account := rewriting.AccountFrom(r.Context()); account != "" {
		return account
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, action string, info ratelimit.Info) {
	if info.RetryAfter > 0 {
		seconds := int((info.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	log.Printf("[rate-limit] %s: Limit=%d Remaining=%d Reset=%s",
		action, info.Limit, info.Remaining, info.ResetTime.Format(time.RFC3339))

	s.errorResponse(w, http.StatusTooManyRequests, types.CodeRateLimited, "Rate limit exceeded. Please try again later.")
}
