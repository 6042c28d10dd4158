// Package jobs tracks repair jobs submitted to the HTTP service.
package jobs

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/repair"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusPartial means the output was kept but re-framing stopped
	// before the end of the input.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Finished reports whether the job has reached a terminal state.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// JobError is the serialisable form of a failed job's error.
type JobError struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Job is one uploaded input and its repair.
type Job struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	Filename    string         `json:"filename,omitempty"`
	Format      string         `json:"format,omitempty"`
	InputPath   string         `json:"-"`
	OutputPath  string         `json:"-"`
	InputBytes  int64          `json:"input_bytes"`
	Report      *repair.Report `json:"report,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// redisJob carries the paths that the API view hides.
type redisJob struct {
	*Job
	InputPath  string `json:"input_path,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// NewJob creates a pending job with a fresh ID.
func NewJob(filename, format string) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		Filename:  filename,
		Format:    format,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the job running.
func (j *Job) Start() {
	j.Status = StatusRunning
	j.UpdatedAt = time.Now()
}

// Complete records a successful repair.
func (j *Job) Complete(rep *repair.Report) {
	j.Report = rep
	j.Status = StatusCompleted
	if rep != nil && rep.Truncated {
		j.Status = StatusPartial
	}
	if rep != nil && rep.Format != "" {
		j.Format = rep.Format
	}
	j.finish()
}

// Fail records a failed repair.
func (j *Job) Fail(err error) {
	j.Status = StatusFailed
	j.Error = &JobError{Type: string(apperrors.ErrorTypeInternal), Message: err.Error()}
	if appErr, ok := apperrors.GetAppError(err); ok {
		j.Error = &JobError{
			Type:    string(appErr.Type),
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}
	}
	j.finish()
}

// HasOutput reports whether a repaired file can be downloaded.
func (j *Job) HasOutput() bool {
	return (j.Status == StatusCompleted || j.Status == StatusPartial) && j.OutputPath != ""
}

func (j *Job) finish() {
	now := time.Now()
	j.UpdatedAt = now
	j.CompletedAt = &now
}
