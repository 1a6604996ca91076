package job

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitton/conveyor/internal/errors"
)

// Status represents the current lifecycle state of a job
type Status string

const (
	// StatusPending indicates the job is waiting in the queue
	StatusPending Status = "pending"
	// StatusRunning indicates the job is currently executing on a worker
	StatusRunning Status = "running"
	// StatusCompleted indicates the job finished successfully
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job failed and exhausted its retries
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled before completion
	StatusCancelled Status = "cancelled"
)

// Priority represents the scheduling priority of a job
type Priority string

const (
	// PriorityHigh indicates jobs that should be dispatched first
	PriorityHigh Priority = "high"
	// PriorityNormal indicates the default priority
	PriorityNormal Priority = "normal"
	// PriorityLow indicates jobs that can wait behind everything else
	PriorityLow Priority = "low"
)

// Defaults applied at enqueue when the client omits a field.
const (
	DefaultTimeoutMs  = 30000
	DefaultMaxRetries = 3
)

// Job represents one unit of work and its progress. The store owns the
// authoritative copy; everything else operates on value snapshots.
type Job struct {
	// ID is the unique identifier for the job
	ID string `json:"id"`
	// Command is the work to perform, opaque to the core
	Command string `json:"command"`
	// Priority determines dispatch order
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// CreatedAt is when the job was enqueued, immutable
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the most recent run began (overwritten on retry)
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the job reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is the executor output on success
	Result string `json:"result,omitempty"`
	// Error is the failure reason when the job failed
	Error string `json:"error,omitempty"`
	// TimeoutMs bounds a single execution attempt
	TimeoutMs int `json:"timeout_ms"`
	// RetryCount is the number of failed executions observed so far
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds re-executions; a job runs at most MaxRetries+1 times
	MaxRetries int `json:"max_retries"`
}

// New creates a pending job with a fresh id and the current UTC time.
func New(command string, priority Priority, timeoutMs, maxRetries int) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Command:    command,
		Priority:   priority,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		TimeoutMs:  timeoutMs,
		MaxRetries: maxRetries,
	}
}

// Timeout returns the per-attempt deadline as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from the current status to next is a
// legal edge of the lifecycle graph.
func (j *Job) CanTransition(next Status) bool {
	switch j.Status {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusCancelled || next == StatusPending
	}
	return false
}

// ValidStatus reports whether s is one of the five canonical statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidPriority reports whether p is one of the three priority classes.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns the dispatch rank of a priority, lower first.
func Rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Validate checks the fields a client controls at enqueue time.
func Validate(command string, priority Priority, timeoutMs, maxRetries int) error {
	if strings.TrimSpace(command) == "" {
		return errors.InvalidArgument("command", "command must not be empty")
	}
	if !ValidPriority(priority) {
		return errors.InvalidArgument("priority", "invalid priority %q", priority).
			WithDetail("allowed", []Priority{PriorityHigh, PriorityNormal, PriorityLow})
	}
	if timeoutMs <= 0 {
		return errors.InvalidArgument("timeout", "timeout must be positive, got %d", timeoutMs)
	}
	if maxRetries < 0 {
		return errors.InvalidArgument("max_retries", "max_retries must not be negative, got %d", maxRetries)
	}
	return nil
}
