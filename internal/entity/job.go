package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final status. A terminal job is
// never transitioned again.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is the caller-visible record for one pipeline invocation.
// Result carries stage output references while the job progresses and
// a "message" key with the last error when it fails.
type Job struct {
	ID        uuid.UUID      `json:"id"`
	Status    JobStatus      `json:"status"`
	Result    map[string]any `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// QueueItem is one unit of durable queue state. RetryCount starts at 0
// and is bumped on each failed attempt; once it exceeds MaxRetry the
// item is dropped and the job fails.
type QueueItem struct {
	JobID      uuid.UUID       `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	MaxRetry   int             `json:"max_retry"`
}
