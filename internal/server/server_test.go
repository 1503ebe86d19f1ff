package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonathan/scene-rewriter/internal/llm"
	"github.com/jonathan/scene-rewriter/internal/rewriting"
	"github.com/jonathan/scene-rewriter/internal/server/ratelimit"
	"github.com/jonathan/scene-rewriter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccount = "acct-writer"

var testRef = types.SourceRef{SourceID: "novel", SourceVersionID: "v1"}

// stubModel rewrites by prefixing the unit text
type stubModel struct {
	mu         sync.Mutex
	rewriteErr error
	rewrites   int
}

func (m *stubModel) Rewrite(_ context.Context, in rewriting.RewriteInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rewriteErr != nil {
		return "", m.rewriteErr
	}
	m.rewrites++
	return "Revised. " + in.Unit.Text, nil
}

func (m *stubModel) Plan(_ context.Context, in rewriting.PlanInput) (*types.ScopePlan, error) {
	return &types.ScopePlan{TargetUnitNumbers: []int{in.Units[0].Number}, Reason: "first unit only"}, nil
}

func (m *stubModel) Check(context.Context, rewriting.CheckInput) ([]types.VerificationFailure, error) {
	return nil, nil
}

type testEngine struct {
	server  *Server
	service *rewriting.Service
	store   *rewriting.MemoryStore
	model   *stubModel
	ts      *httptest.Server
	token   string
}

func newTestEngine(t *testing.T, rateConfig *ratelimit.Config) *testEngine {
	t.Helper()
	if rateConfig == nil {
		rateConfig = &ratelimit.Config{Enabled: false}
	}

	store := rewriting.NewMemoryStore()
	model := &stubModel{}
	service := rewriting.NewService(store, model)
	jwtService := setupTestJWTService(t, 1)

	s := newServer(service, jwtService, ratelimit.NewLimiter(rateConfig))
	s.watchInterval = 10 * time.Millisecond
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})

	token, err := jwtService.GenerateToken(testAccount)
	require.NoError(t, err)

	return &testEngine{server: s, service: service, store: store, model: model, ts: ts, token: token}
}

func (e *testEngine) post(t *testing.T, action string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/actions/"+action, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEngine) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// seed imports a manuscript and queues every unit
func (e *testEngine) seed(t *testing.T, scenes int) types.RunID {
	t.Helper()
	resp := e.post(t, types.ActionPutSource, types.PutSourceRequest{SourceRef: testRef, Content: manuscript(scenes)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.post(t, types.ActionEnqueue, types.EnqueueRequest{
		SourceRef:      testRef,
		Edits:          []types.Note{{Text: "Tighten the prose"}},
		ProtectedItems: []string{"Mara"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enqueued := decode[types.EnqueueResponse](t, resp)
	require.NotEmpty(t, enqueued.RunID)
	return enqueued.RunID
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func manuscript(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "Scene " + strings.Repeat("x", i+1) + " where Mara walks to the harbour."
	}
	return strings.Join(parts, "\n\n* * *\n\n")
}

func TestHealth(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.get(t, "/health")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestHandleAction_RequiresToken(t *testing.T) {
	e := newTestEngine(t, nil)
	e.token = ""

	resp := e.post(t, types.ActionProbe, testRef)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, types.CodeUnauthenticated, decode[types.ErrorResponse](t, resp).Code)
}

func TestHandleAction_UnknownAction(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.post(t, "rewrite_everything", testRef)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[types.ErrorResponse](t, resp)
	assert.Equal(t, types.CodeNotFound, body.Code)
	assert.Contains(t, body.Error, "rewrite_everything")
}

func TestHandleAction_BadBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		message string
	}{
		{name: "empty", body: nil, message: "request body is empty"},
		{name: "malformed", body: `{"sourceId":`, message: "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, nil)

			resp := e.post(t, types.ActionProbe, tt.body)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[types.ErrorResponse](t, resp)
			assert.Equal(t, types.CodeInvalidRequest, body.Code)
			assert.Contains(t, body.Error, tt.message)
		})
	}
}

func TestHandleAction_PutSourceAndProbe(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.post(t, types.ActionPutSource, types.PutSourceRequest{SourceRef: testRef, Content: manuscript(3)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decode[types.PutSourceResponse](t, resp).UnitCount)

	resp = e.post(t, types.ActionProbe, testRef)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	probe := decode[types.ProbeResult](t, resp)
	assert.True(t, probe.HasUnits)
	assert.Equal(t, 3, probe.UnitCount)
	assert.Equal(t, []int{1, 2, 3}, probe.UnitNumbers)
}

func TestHandleAction_ChangedSourceConflicts(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.post(t, types.ActionPutSource, types.PutSourceRequest{SourceRef: testRef, Content: manuscript(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.post(t, types.ActionPutSource, types.PutSourceRequest{SourceRef: testRef, Content: manuscript(3)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, types.CodeConflict, decode[types.ErrorResponse](t, resp).Code)
}

func TestHandleAction_UnknownRunNotFound(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.post(t, types.ActionStatus, types.RunRequest{RunID: "missing", SourceVersionID: testRef.SourceVersionID})

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, types.CodeNotFound, decode[types.ErrorResponse](t, resp).Code)
}

func TestHandleAction_ClaimRunsTheModel(t *testing.T) {
	e := newTestEngine(t, nil)
	runID := e.seed(t, 2)

	resp := e.post(t, types.ActionClaimNext, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claim := decode[types.ClaimResponse](t, resp)
	assert.True(t, claim.Processed)
	assert.Equal(t, 1, claim.UnitNumber)
	assert.Equal(t, types.JobDone, claim.Status)

	resp = e.post(t, types.ActionStatus, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[types.StatusResponse](t, resp)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Done)
	assert.Equal(t, 1, status.Queued)
}

func TestHandleAction_CreditsExhausted(t *testing.T) {
	e := newTestEngine(t, nil)
	runID := e.seed(t, 2)
	e.store.SetCredits(testAccount, 0)

	resp := e.post(t, types.ActionClaimNext, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, types.CodeCreditsExhausted, decode[types.ErrorResponse](t, resp).Code)
	assert.Zero(t, e.model.rewrites)
}

func TestHandleAction_ModelQuotaIsRateLimited(t *testing.T) {
	e := newTestEngine(t, nil)
	runID := e.seed(t, 1)
	e.model.rewriteErr = llm.ErrQuotaExceeded

	resp := e.post(t, types.ActionClaimNext, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	assert.Equal(t, types.CodeRateLimited, decode[types.ErrorResponse](t, resp).Code)

	// The job goes back to the queue
	status, err := e.service.Status(rewriting.WithAccount(context.Background(), testAccount),
		types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Queued)
}

func TestWithRateLimit(t *testing.T) {
	e := newTestEngine(t, &ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
	})

	first := e.post(t, types.ActionProbe, testRef)
	assert.NotEqual(t, http.StatusTooManyRequests, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header.Get("X-RateLimit-Remaining"))

	second := e.post(t, types.ActionProbe, testRef)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "60", second.Header.Get("Retry-After"))
	assert.Equal(t, types.CodeRateLimited, decode[types.ErrorResponse](t, second).Code)

	// Buckets are per action
	other := e.post(t, types.ActionPutSource, types.PutSourceRequest{SourceRef: testRef, Content: manuscript(1)})
	assert.Equal(t, http.StatusOK, other.StatusCode)
}

func TestWithCORS_Preflight(t *testing.T) {
	e := newTestEngine(t, nil)

	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/v1/actions/probe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestWithLogging_RecordsStatus(t *testing.T) {
	s := &Server{}
	handler := s.withLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestStatusRecorder_Flushes(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sse, err := NewSSEWriter(wrapped)
	require.NoError(t, err)
	require.NoError(t, sse.WriteEvent("status", map[string]int{"done": 1}))

	assert.True(t, rec.Flushed)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sse.WriteEvent("status", map[string]int{"queued": 2}))
	sse.WriteError("engine went away")
	sse.WriteComplete("run-1", "done")

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: status\ndata: {\"queued\":2}\n\n")
	assert.Contains(t, body, "id: 2\nevent: error\n")
	assert.Contains(t, body, `"error":"engine went away"`)
	assert.Contains(t, body, "id: 3\nevent: complete\n")
	assert.Contains(t, body, `{"runId":"run-1","outcome":"done"}`)
}

func TestHandleRunEvents_CompletedRun(t *testing.T) {
	e := newTestEngine(t, nil)
	runID := e.seed(t, 2)
	for range 2 {
		resp := e.post(t, types.ActionClaimNext, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := e.get(t, "/v1/runs/"+string(runID)+"/events?sourceVersionId="+testRef.SourceVersionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(string(body), "event: status"))
	assert.Contains(t, string(body), `"outcome":"done"`)
}

func TestHandleRunEvents_StreamsUntilDrained(t *testing.T) {
	e := newTestEngine(t, nil)
	runID := e.seed(t, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		ctx := rewriting.WithAccount(context.Background(), testAccount)
		for range 2 {
			_, _ = e.service.ClaimNext(ctx, types.RunRequest{RunID: runID, SourceVersionID: testRef.SourceVersionID})
		}
	}()

	resp := e.get(t, "/v1/runs/"+string(runID)+"/events?sourceVersionId="+testRef.SourceVersionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	<-done

	assert.GreaterOrEqual(t, strings.Count(string(body), "event: status"), 2)
	assert.Contains(t, string(body), `"queued":2`)
	assert.Contains(t, string(body), `"outcome":"done"`)
}

func TestHandleRunEvents_UnknownRun(t *testing.T) {
	e := newTestEngine(t, nil)

	resp := e.get(t, "/v1/runs/missing/events?sourceVersionId=v1")

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
