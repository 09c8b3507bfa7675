package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusDead marks a job whose attempts ran out.
	StatusDead Status = "dead"
)

// Terminal reports whether s ends a job's life.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDead
}

// Kind names the broker operation a job drives.
type Kind string

const (
	KindNotify  Kind = "notify"
	KindExecute Kind = "execute"
)

type Job struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	DeploymentID string          `json:"deployment_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	Attempt      int             `json:"attempt"`
	MaxAttempts  int             `json:"max_attempts"`
	SubmittedBy  string          `json:"submitted_by"`
	DedupeKey    *string         `json:"dedupe_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	LastError    *string         `json:"last_error,omitempty"`
}

// Exhausted reports whether no attempts remain after the current one.
func (j *Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

type EnqueueRequest struct {
	Kind         Kind
	DeploymentID string
	Payload      json.RawMessage
	MaxAttempts  int
	SubmittedBy  string
	// DedupeKey suppresses a second live (queued or running) job with the
	// same key.
	DedupeKey *string
}

var ErrJobNotFound = errors.New("job not found")
