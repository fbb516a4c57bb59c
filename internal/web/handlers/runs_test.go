package handlers

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/photo-faces/internal/sorter"
)

func waitForStatus(t *testing.T, job *RunJob, want JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job.GetStatus() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job status = %s, want %s", job.GetStatus(), want)
}

func startJob(t *testing.T, h *RunsHandler) *RunJob {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.Start(recorder, httptest.NewRequest("POST", "/api/v1/runs", nil))
	assertStatusCode(t, recorder, http.StatusAccepted)

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	job := h.jobManager.GetJob(result["job_id"])
	if job == nil {
		t.Fatalf("job %q not registered", result["job_id"])
	}
	return job
}

func TestRunsHandler_StartAndComplete(t *testing.T) {
	runner := newFakeRunner()
	h := NewRunsHandler(runner, NewJobManager(), sorter.RunOptions{AlbumConcurrency: 3})

	job := startJob(t, h)
	<-runner.started

	recorder := httptest.NewRecorder()
	h.Start(recorder, httptest.NewRequest("POST", "/api/v1/runs", nil))
	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, sorter.ErrRunInProgress.Error())

	close(runner.release)
	waitForStatus(t, job, JobStatusCompleted)

	if runner.opts.AlbumConcurrency != 3 || runner.opts.OnProgress == nil {
		t.Errorf("runner got options %+v", runner.opts)
	}

	recorder = httptest.NewRecorder()
	req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/runs/"+job.ID, nil), map[string]string{"jobId": job.ID})
	h.Status(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)

	var view RunJobView
	parseJSONResponse(t, recorder, &view)
	if view.Status != JobStatusCompleted || view.Result == nil || view.Result.ClustersCreated != 1 || view.CompletedAt == nil {
		t.Errorf("unexpected job view %+v", view)
	}

	// a finished job no longer blocks a new pass
	runner.release = make(chan struct{})
	next := startJob(t, h)
	<-runner.started
	close(runner.release)
	waitForStatus(t, next, JobStatusCompleted)
}

func TestRunsHandler_Failure(t *testing.T) {
	runner := newFakeRunner()
	runner.err = errors.New("commit roots: disk full")
	close(runner.release)
	h := NewRunsHandler(runner, NewJobManager(), sorter.RunOptions{})

	job := startJob(t, h)
	waitForStatus(t, job, JobStatusFailed)
	if view := job.View(); view.Error != "commit roots: disk full" {
		t.Errorf("job error = %q", view.Error)
	}
}

func TestRunsHandler_Cancel(t *testing.T) {
	runner := newFakeRunner()
	h := NewRunsHandler(runner, NewJobManager(), sorter.RunOptions{})

	job := startJob(t, h)
	<-runner.started

	cancel := func() *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		req := requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/runs/"+job.ID, nil), map[string]string{"jobId": job.ID})
		h.Cancel(recorder, req)
		return recorder
	}

	assertStatusCode(t, cancel(), http.StatusOK)
	waitForStatus(t, job, JobStatusCancelled)

	// the runner observed the cancellation and the job kept its status
	deadline := time.Now().Add(5 * time.Second)
	for runner.Progress().Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if job.GetStatus() != JobStatusCancelled || job.View().Error != "" {
		t.Errorf("unexpected job after cancel: %+v", job.View())
	}

	assertStatusCode(t, cancel(), http.StatusConflict)
}

func TestRunsHandler_NotFound(t *testing.T) {
	h := NewRunsHandler(newFakeRunner(), NewJobManager(), sorter.RunOptions{})

	for name, fn := range map[string]http.HandlerFunc{"status": h.Status, "cancel": h.Cancel, "events": h.Events} {
		t.Run(name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			req := requestWithChiParams(httptest.NewRequest("GET", "/api/v1/runs/nope", nil), map[string]string{"jobId": "nope"})
			fn(recorder, req)
			assertStatusCode(t, recorder, http.StatusNotFound)
			assertJSONError(t, recorder, "job not found")
		})
	}
}

func TestRunsHandler_Progress(t *testing.T) {
	h := NewRunsHandler(newFakeRunner(), NewJobManager(), sorter.RunOptions{})

	recorder := httptest.NewRecorder()
	h.Progress(recorder, httptest.NewRequest("GET", "/api/v1/progress", nil))
	assertStatusCode(t, recorder, http.StatusOK)

	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if result["phase"] != "discover" || result["total"] != float64(2) || result["running"] != false {
		t.Errorf("unexpected progress %v", result)
	}
}

func TestRunsHandler_Events(t *testing.T) {
	runner := newFakeRunner()
	h := NewRunsHandler(runner, NewJobManager(), sorter.RunOptions{})
	r := chi.NewRouter()
	r.Get("/runs/{jobId}/events", h.Events)
	server := httptest.NewServer(r)
	defer server.Close()

	job := startJob(t, h)
	<-runner.started

	resp, err := http.Get(server.URL + "/runs/" + job.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil || first != "event: status\n" {
		t.Fatalf("first line = %q, %v", first, err)
	}

	close(runner.release)
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if !strings.Contains(string(rest), "event: completed\n") {
		t.Errorf("stream did not end with a completed event:\n%s", rest)
	}
}

func TestJobManager_Eviction(t *testing.T) {
	jm := NewJobManager()
	for i := range 25 {
		job := jm.CreateJob(string(rune('a' + i)))
		if job == nil {
			t.Fatalf("CreateJob(%d) refused", i)
		}
		job.finish(nil, nil)
	}
	if jobs := jm.ListJobs(); len(jobs) != 20 || jobs[0].ID != "f" {
		t.Errorf("kept %d jobs starting at %q", len(jobs), jobs[0].ID)
	}
	if jm.GetJob("a") != nil {
		t.Error("oldest job should be evicted")
	}
}
