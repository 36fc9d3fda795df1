package handlers

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/engine"
	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// JobStatus is the lifecycle state of an async reprocessing job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ReprocessJob is one asynchronous reprocessing run.
type ReprocessJob struct {
	ID        string
	Criterion store.ReprocessCriterion
	Progress  *engine.Progress

	mu          sync.RWMutex
	status      JobStatus
	err         string
	startedAt   time.Time
	completedAt *time.Time
	cancel      context.CancelFunc
}

// jobView is the JSON shape of a job.
type jobView struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Progress    engine.Snapshot `json:"progress"`
}

func (j *ReprocessJob) view() jobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return jobView{
		ID:          j.ID,
		Status:      j.status,
		Error:       j.err,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Progress:    j.Progress.Snapshot(),
	}
}

// Status returns the job's current lifecycle state.
func (j *ReprocessJob) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Cancel requests cooperative cancellation.
func (j *ReprocessJob) Cancel() {
	j.cancel()
}

func (j *ReprocessJob) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.completedAt = &now
	switch {
	case err == nil:
		j.status = JobStatusCompleted
	case errors.Is(err, context.Canceled):
		j.status = JobStatusCancelled
	default:
		j.status = JobStatusFailed
		j.err = err.Error()
	}
}

// JobManager tracks asynchronous reprocessing jobs.
type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*ReprocessJob
}

func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*ReprocessJob)}
}

// Start launches a reprocessing run in the background and returns the job.
func (m *JobManager) Start(runner ReprocessRunner, criterion store.ReprocessCriterion) *ReprocessJob {
	ctx, cancel := context.WithCancel(context.Background())
	job := &ReprocessJob{
		ID:        uuid.New().String(),
		Criterion: criterion,
		Progress:  &engine.Progress{},
		status:    JobStatusRunning,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go func() {
		defer cancel()
		err := runner.Reprocess(ctx, criterion, job.Progress)
		job.finish(err)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("reprocess job %s failed: %v", job.ID, err)
		}
	}()

	return job
}

// Get returns a job by id, nil if unknown.
func (m *JobManager) Get(id string) *ReprocessJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// List returns all jobs, newest first.
func (m *JobManager) List() []*ReprocessJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ReprocessJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out
}

// CancelAll cancels every running job, used during shutdown.
func (m *JobManager) CancelAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if j.Status() == JobStatusRunning {
			j.Cancel()
		}
	}
}
