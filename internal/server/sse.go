package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/scene-rewriter/internal/types"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  int
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSEWriter{w: w, flusher: flusher, nextID: 1}, nil
}

// WriteEvent sends an SSE event with a sequential id
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, event, jsonData); err != nil {
		return err
	}
	s.nextID++
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", types.ErrorResponse{Error: message}) //nolint:errcheck
}

// runComplete is the payload of the final event of a run stream
type runComplete struct {
	RunID   string `json:"runId"`
	Outcome string `json:"outcome"`
}

// WriteComplete sends a completion event
func (s *SSEWriter) WriteComplete(runID, outcome string) {
	s.WriteEvent("complete", runComplete{RunID: runID, Outcome: outcome}) //nolint:errcheck
}
