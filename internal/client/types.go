package client

import (
	"fmt"
	"time"

	"inference-bridge/internal/models"
)

// SubmitResponse is returned when a job is admitted.
type SubmitResponse struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Position int              `json:"position"`
}

// JobStatus is the bridge's view of one job.
type JobStatus struct {
	JobID       string           `json:"job_id"`
	Type        string           `json:"type"`
	Status      models.JobStatus `json:"status"`
	Position    *int             `json:"position,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       *models.JobError `json:"error,omitempty"`
}

// CancelResponse reports what a cancellation achieved.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// QueueSnapshot summarises the bridge queue.
type QueueSnapshot struct {
	Length     int         `json:"length"`
	Processing bool        `json:"processing"`
	CurrentJob *models.Job `json:"current_job"`
	Capacity   int         `json:"capacity"`
}

// APIError is a non-2xx reply from the bridge.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bridge returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}
