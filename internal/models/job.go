package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates the lifecycle states of a job held by the bridge.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CancelState tracks advisory cancellation of the in-flight job.
// The backend offers no abort primitive, so a requested cancellation only
// resolves once the in-flight call returns or times out.
type CancelState int

const (
	CancelNone CancelState = iota
	CancelRequested
	CancelResolved
)

func (c CancelState) String() string {
	switch c {
	case CancelRequested:
		return "requested"
	case CancelResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Error codes surfaced to API callers and recorded on failed jobs.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeQueueFull      = "QUEUE_FULL"
	CodeJobNotFound    = "JOB_NOT_FOUND"
	CodeInfrastructure = "INFRASTRUCTURE_ERROR"
	CodeBackend        = "BACKEND_ERROR"
	CodeRateLimited    = "RATE_LIMITED"
)

// JobError is the structured failure stored on a failed job.
type JobError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Job is one unit of backend work tracked from submission to its terminal outcome.
type Job struct {
	ID          string         `json:"job_id"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      JobStatus      `json:"status"`
	Cancel      CancelState    `json:"-"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
}

// EventType names a lifecycle notification pushed to observers.
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Event is the message broadcast on the event channel.
type Event struct {
	Event  EventType      `json:"event"`
	JobID  string         `json:"job_id"`
	Result map[string]any `json:"result,omitempty"`
	Error  *JobError      `json:"error,omitempty"`
}
