package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kozaktomas/photo-faces/internal/logging"
	"github.com/kozaktomas/photo-faces/internal/sorter"
)

// Runner executes clustering passes. *sorter.Sorter implements it.
type Runner interface {
	Run(ctx context.Context, opts sorter.RunOptions) (*sorter.RunResult, error)
	Progress() sorter.ProgressInfo
	LastResult() *sorter.RunResult
}

// RunsHandler starts clustering passes in the background and reports on them.
type RunsHandler struct {
	runner     Runner
	jobManager *JobManager
	options    sorter.RunOptions
	log        *logging.Entry
}

// NewRunsHandler creates a runs handler. options is the template for every pass; its
// OnProgress callback is replaced by the job's event stream.
func NewRunsHandler(runner Runner, jm *JobManager, options sorter.RunOptions) *RunsHandler {
	return &RunsHandler{
		runner:     runner,
		jobManager: jm,
		options:    options,
		log:        logging.Component("web"),
	}
}

// progressResponse is returned by GET /progress.
type progressResponse struct {
	sorter.ProgressInfo
	LastResult *sorter.RunResult `json:"last_result,omitempty"`
}

// Progress reports the current or last pass.
func (h *RunsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, progressResponse{
		ProgressInfo: h.runner.Progress(),
		LastResult:   h.runner.LastResult(),
	})
}

// Start starts a new pass unless one is already active.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	// A pass started from another entry point of the same process shows up as Running.
	if h.runner.Progress().Running {
		respondError(w, http.StatusConflict, sorter.ErrRunInProgress.Error())
		return
	}
	job := h.jobManager.CreateJob(uuid.New().String())
	if job == nil {
		respondError(w, http.StatusConflict, sorter.ErrRunInProgress.Error())
		return
	}

	go h.runJob(job)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(JobStatusPending),
	})
}

// List returns the remembered jobs, oldest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobManager.ListJobs()
	views := make([]RunJobView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	respondJSON(w, http.StatusOK, views)
}

// Status returns the status of a run job.
func (h *RunsHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// Events streams job events via SSE.
func (h *RunsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*RunJob).View()
		},
	)
}

// Cancel cancels a run job. Work committed before cancellation stays committed.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// runJob runs the pass in the background, detached from the request context.
func (h *RunsHandler) runJob(job *RunJob) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !job.start(cancel) {
		now := time.Now()
		job.mu.Lock()
		job.CompletedAt = &now
		job.mu.Unlock()
		return
	}
	job.SendEvent(JobEvent{Type: "started", Message: "Clustering pass started"})

	opts := h.options
	opts.OnProgress = func(p sorter.ProgressInfo) {
		job.SendEvent(JobEvent{Type: "progress", Data: p})
	}

	result, err := h.runner.Run(ctx, opts)
	job.finish(result, err)

	fields := logging.Fields{"job": job.ID}
	switch {
	case errors.Is(err, context.Canceled):
		h.log.WithFields(fields).Info("Clustering pass cancelled")
		job.SendEvent(JobEvent{Type: "cancelled", Message: "Clustering pass cancelled"})
	case err != nil:
		fields["error"] = err
		h.log.WithFields(fields).Error("Clustering pass failed")
		job.SendEvent(JobEvent{Type: "job_error", Message: err.Error()})
	default:
		job.SendEvent(JobEvent{Type: "completed", Data: result})
	}
}
