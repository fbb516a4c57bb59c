package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/photo-faces/internal/constants"
	"github.com/kozaktomas/photo-faces/internal/sorter"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// RunJob is a clustering pass started through the API.
type RunJob struct {
	EventBroadcaster

	ID          string
	Status      JobStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      *sorter.RunResult
}

// RunJobView is the JSON form of a RunJob.
type RunJobView struct {
	ID          string            `json:"id"`
	Status      JobStatus         `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      *sorter.RunResult `json:"result,omitempty"`
}

// View returns a consistent copy of the job for serialization.
func (j *RunJob) View() RunJobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return RunJobView{
		ID:          j.ID,
		Status:      j.Status,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
	}
}

// GetStatus returns the current job status (implements SSEJob).
func (j *RunJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// finish records the outcome unless the job was cancelled first.
func (j *RunJob) finish(result *sorter.RunResult, err error) {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.CompletedAt = &now
	j.Result = result
	switch {
	case j.Status == JobStatusCancelled:
	case err != nil:
		j.Status = JobStatusFailed
		j.Error = err.Error()
	default:
		j.Status = JobStatusCompleted
	}
}

// Cancel marks the job cancelled and stops the pass if it has started.
func (j *RunJob) Cancel() {
	j.mu.Lock()
	j.Status = JobStatusCancelled
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	j.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// start moves a pending job to running. It reports false when the job was cancelled
// before it got going.
func (j *RunJob) start(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == JobStatusCancelled {
		return false
	}
	j.cancel = cancel
	j.Status = JobStatusRunning
	return true
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager tracks run jobs. At most one job is active at a time.
type JobManager struct {
	jobs  map[string]*RunJob
	order []string
	mu    sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*RunJob),
	}
}

// CreateJob registers a pending job, or returns nil when another job is still active.
func (m *JobManager) CreateJob(id string) *RunJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if !isJobTerminal(job.GetStatus()) {
			return nil
		}
	}

	job := &RunJob{
		ID:        id,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
	}
	m.jobs[id] = job
	m.order = append(m.order, id)

	for len(m.order) > constants.MaxFinishedJobs {
		delete(m.jobs, m.order[0])
		m.order = m.order[1:]
	}
	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *RunJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// ListJobs returns all remembered jobs, oldest first.
func (m *JobManager) ListJobs() []*RunJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*RunJob, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	return jobs
}
