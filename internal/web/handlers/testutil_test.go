package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/photo-faces/internal/sorter"
)

// fakeRunner blocks in Run until release is closed or the context is cancelled.
type fakeRunner struct {
	mu      sync.Mutex
	running bool
	calls   int
	opts    sorter.RunOptions
	result  *sorter.RunResult
	err     error
	started chan struct{}
	release chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		result:  &sorter.RunResult{AlbumsTotal: 2, ClustersCreated: 1},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (f *fakeRunner) Run(ctx context.Context, opts sorter.RunOptions) (*sorter.RunResult, error) {
	f.mu.Lock()
	f.running = true
	f.calls++
	f.opts = opts
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	if opts.OnProgress != nil {
		opts.OnProgress(sorter.ProgressInfo{Phase: "discover", Total: 2, Running: true})
	}
	f.started <- struct{}{}

	select {
	case <-f.release:
		return f.result, f.err
	case <-ctx.Done():
		return f.result, ctx.Err()
	}
}

func (f *fakeRunner) Progress() sorter.ProgressInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sorter.ProgressInfo{Phase: "discover", Current: 1, Total: 2, Running: f.running}
}

func (f *fakeRunner) LastResult() *sorter.RunResult {
	return nil
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
