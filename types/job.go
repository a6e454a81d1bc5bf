package types

import (
	"encoding/json"
	"time"

	"emberq/internal/state"
)

// Job is the serialized unit of work that travels through the broker.
// The worker pool is the sole mutator of its status transitions; terminal
// statuses (succeeded, dead) are immutable and retained for a bounded
// history window.
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Handler        string          `json:"handler"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	NotBefore      time.Time       `json:"not_before,omitzero"`
	ReservedUntil  time.Time       `json:"reserved_until,omitzero"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         state.JobStatus `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
}

// Clone returns a deep copy so broker internals and callers never share a
// mutable envelope.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(json.RawMessage, len(j.Payload))
		copy(c.Payload, j.Payload)
	}
	return &c
}

// AttemptsExhausted reports whether another failure must dead-letter the job
// instead of requeueing it.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// JobResult carries the outcome of one execution from a worker slot to the
// result processor.
type JobResult struct {
	JobID    string
	Queue    string
	Err      error
	Attempts int
	Status   state.JobStatus
	RanAt    time.Time
	Duration time.Duration
}
