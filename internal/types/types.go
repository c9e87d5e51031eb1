package types

import (
	"time"
)

// JobStatus represents the lifecycle state of a render job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
	StatusTimeout   JobStatus = "timeout"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final and frozen
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// JobMetadata carries opaque caller identifiers attached at submission.
// The orchestrator never interprets them; they travel with the job and
// are stamped onto published artifacts.
type JobMetadata struct {
	TenantID    string `json:"tenant_id,omitempty"`
	ClassroomID string `json:"classroom_id,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// RenderJob is the canonical job record served to clients. All fields
// except the status machine bookkeeping are set once at creation.
type RenderJob struct {
	JobID           string      `json:"job_id"`
	Status          JobStatus   `json:"status"`
	Message         string      `json:"message"`
	Progress        int         `json:"progress"`
	OutputReference string      `json:"output_reference,omitempty"`
	ErrorDetails    string      `json:"error_details,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Metadata        JobMetadata `json:"metadata"`
}

// ProcessHandle is the narrow capability the registry holds for a job's
// live engine process. It exists only while the job is running.
type ProcessHandle interface {
	Terminate() error
	Kill() error
	PID() int
}

// RenderRequest represents an incoming render submission
type RenderRequest struct {
	Code      string      `json:"code"`
	SceneName string      `json:"scene_name,omitempty"`
	Quality   string      `json:"quality,omitempty"`
	Format    string      `json:"format,omitempty"`
	Timeout   *int        `json:"timeout,omitempty"`
	Metadata  JobMetadata `json:"metadata,omitempty"`
}

// RenderResponse acknowledges an accepted render submission
type RenderResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
