// Package registry tracks render jobs through their lifecycle. The
// in-memory table owned by this instance is authoritative; a durable
// mirror receives a copy of every snapshot for cross-instance reads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/types"
)

var logger = logrus.WithField("component", "registry")

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrAlreadyTerminal   = errors.New("job already in a terminal state")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Update carries the optional fields applied alongside a status change
type Update struct {
	Message         string
	Progress        *int
	OutputReference string
	ErrorDetails    string
}

// CancelOutcome tells the caller how a cancellation request was applied
type CancelOutcome int

const (
	// CancelledQueued means the job never started and was moved straight
	// to its terminal state.
	CancelledQueued CancelOutcome = iota
	// CancelSignalled means the job is running and its supervisor has
	// been told to stop the engine process.
	CancelSignalled
)

// Registry tracks every job owned by this instance. Implementations must
// be safe for concurrent use and must not hold their lock across I/O.
type Registry interface {
	Create(jobID string, metadata types.JobMetadata) (types.RenderJob, error)
	Get(jobID string) (types.RenderJob, bool)
	Transition(jobID string, status types.JobStatus, upd Update) (types.RenderJob, error)
	AttachProcess(jobID string, proc types.ProcessHandle) error
	RequestCancel(jobID string) (CancelOutcome, error)
	CancelChan(jobID string) <-chan struct{}
	Evict(jobID string)
}

// record is the registry's internal view of a job: the public snapshot
// plus the transient supervision state that never leaves this process.
type record struct {
	job             types.RenderJob
	proc            types.ProcessHandle
	cancel          chan struct{}
	cancelRequested bool
}

// InMemory is the mutex-guarded registry implementation. Every accepted
// mutation is mirrored after the lock is released.
type InMemory struct {
	mu            sync.Mutex
	jobs          map[string]*record
	mirror        Mirror
	mirrorTimeout time.Duration
}

// NewInMemory creates a registry backed by the given mirror. A nil
// mirror disables mirroring.
func NewInMemory(mirror Mirror) *InMemory {
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &InMemory{
		jobs:          make(map[string]*record),
		mirror:        mirror,
		mirrorTimeout: 2 * time.Second,
	}
}

// Create registers a new job in the queued state
func (r *InMemory) Create(jobID string, metadata types.JobMetadata) (types.RenderJob, error) {
	r.mu.Lock()
	if _, exists := r.jobs[jobID]; exists {
		r.mu.Unlock()
		return types.RenderJob{}, fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	job := types.RenderJob{
		JobID:     jobID,
		Status:    types.StatusQueued,
		Message:   "Job queued for processing",
		Progress:  0,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	r.jobs[jobID] = &record{job: job, cancel: make(chan struct{})}
	r.mu.Unlock()

	r.mirrorWrite(job)
	return job, nil
}

// Get returns the current snapshot of a job owned by this instance
func (r *InMemory) Get(jobID string) (types.RenderJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return types.RenderJob{}, false
	}
	return rec.job, true
}

// Transition moves a job to a new status and applies the update fields.
// Passing the current status applies the update without a state change,
// which is how progress is reported. Terminal jobs are frozen.
func (r *InMemory) Transition(jobID string, status types.JobStatus, upd Update) (types.RenderJob, error) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return types.RenderJob{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	current := rec.job.Status
	if current.Terminal() {
		r.mu.Unlock()
		return types.RenderJob{}, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, jobID, current)
	}
	if status != current && !legalEdge(current, status) {
		r.mu.Unlock()
		return types.RenderJob{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, status)
	}
	if status == types.StatusCompleted && upd.OutputReference == "" {
		r.mu.Unlock()
		return types.RenderJob{}, fmt.Errorf("%w: completed requires an output reference", ErrIllegalTransition)
	}

	rec.job.Status = status
	if upd.Message != "" {
		rec.job.Message = upd.Message
	}
	if upd.Progress != nil {
		rec.job.Progress = clampProgress(*upd.Progress)
	}
	if status == types.StatusCompleted {
		rec.job.OutputReference = upd.OutputReference
	}
	if upd.ErrorDetails != "" {
		rec.job.ErrorDetails = upd.ErrorDetails
	}
	if status.Terminal() {
		rec.proc = nil
	}
	snapshot := rec.job
	r.mu.Unlock()

	r.mirrorWrite(snapshot)
	return snapshot, nil
}

// AttachProcess records the live process handle for a running job
func (r *InMemory) AttachProcess(jobID string, proc types.ProcessHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if rec.job.Status != types.StatusRunning {
		return fmt.Errorf("%w: process handle requires a running job, got %s", ErrIllegalTransition, rec.job.Status)
	}
	rec.proc = proc
	return nil
}

// HasProcess reports whether a live process handle is attached
func (r *InMemory) HasProcess(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	return ok && rec.proc != nil
}

// RequestCancel applies a cancellation request. Queued jobs go terminal
// immediately; running jobs keep their status until the supervisor has
// confirmed the engine process is gone. Repeated requests never signal
// twice.
func (r *InMemory) RequestCancel(jobID string) (CancelOutcome, error) {
	r.mu.Lock()
	rec, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if rec.job.Status.Terminal() {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, jobID, rec.job.Status)
	}

	if !rec.cancelRequested {
		rec.cancelRequested = true
		close(rec.cancel)
	}

	if rec.job.Status == types.StatusQueued {
		rec.job.Status = types.StatusCancelled
		rec.job.Message = "Job cancelled by user"
		snapshot := rec.job
		r.mu.Unlock()

		r.mirrorWrite(snapshot)
		return CancelledQueued, nil
	}

	r.mu.Unlock()
	return CancelSignalled, nil
}

// CancelChan returns the channel closed when cancellation is requested.
// For unknown jobs it returns nil, which never becomes ready.
func (r *InMemory) CancelChan(jobID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.jobs[jobID]; ok {
		return rec.cancel
	}
	return nil
}

// Evict removes a job from the in-memory table. The mirrored snapshot
// stays behind until its TTL expires.
func (r *InMemory) Evict(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
	logger.WithField("job_id", jobID).Debug("Job evicted from registry")
}

// mirrorWrite pushes a snapshot to the mirror outside the registry lock.
// Mirror trouble is logged, never surfaced: the local table stays
// authoritative.
func (r *InMemory) mirrorWrite(job types.RenderJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.mirrorTimeout)
	defer cancel()
	if err := r.mirror.Set(ctx, job); err != nil {
		logger.WithError(err).WithField("job_id", job.JobID).Warn("Failed to mirror job status")
	}
}

func legalEdge(from, to types.JobStatus) bool {
	switch from {
	case types.StatusQueued:
		return to == types.StatusRunning || to == types.StatusCancelled
	case types.StatusRunning:
		return to == types.StatusCompleted || to == types.StatusError ||
			to == types.StatusTimeout || to == types.StatusCancelled
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
