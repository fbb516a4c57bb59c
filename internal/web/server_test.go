package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"github.com/kozaktomas/photo-faces/internal/sorter"
)

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, opts sorter.RunOptions) (*sorter.RunResult, error) {
	return &sorter.RunResult{}, nil
}

func (idleRunner) Progress() sorter.ProgressInfo { return sorter.ProgressInfo{} }

func (idleRunner) LastResult() *sorter.RunResult { return nil }

func newTestServer(token string) *Server {
	return NewServer(config.WebConfig{Host: "127.0.0.1", Port: 0, Token: token}, Deps{
		Runner: idleRunner{},
		Store:  mock.NewMockStore(),
	})
}

func TestRoutes(t *testing.T) {
	router := newTestServer("secret").Router()

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"health", "GET", "/api/v1/health", "", http.StatusOK},
		{"progress", "GET", "/api/v1/progress", "", http.StatusOK},
		{"clusters", "GET", "/api/v1/clusters", "", http.StatusOK},
		{"missing cluster", "GET", "/api/v1/clusters/nope", "", http.StatusNotFound},
		{"similar without index", "GET", "/api/v1/clusters/nope/similar", "", http.StatusServiceUnavailable},
		{"runs", "GET", "/api/v1/runs", "", http.StatusOK},
		{"start without token", "POST", "/api/v1/runs", "", http.StatusUnauthorized},
		{"start with token", "POST", "/api/v1/runs", "Bearer secret", http.StatusAccepted},
		{"cancel without token", "DELETE", "/api/v1/runs/x", "", http.StatusUnauthorized},
		{"unknown route", "GET", "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, req)
			if recorder.Code != tt.want {
				t.Errorf("%s %s = %d, want %d\nBody: %s", tt.method, tt.path, recorder.Code, tt.want, recorder.Body.String())
			}
			if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHealthBody(t *testing.T) {
	recorder := httptest.NewRecorder()
	newTestServer("").Router().ServeHTTP(recorder, httptest.NewRequest("GET", "/api/v1/health", nil))

	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Errorf("health body = %s", recorder.Body.String())
	}
}

func TestShutdownIdle(t *testing.T) {
	if err := newTestServer("").Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}
