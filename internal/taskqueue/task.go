package taskqueue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsFinal reports whether no further transitions are expected.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a dequeued unit of work. Payload is decoded by the consumer with
// DecodePayload.
type Task struct {
	ID        string
	Kind      Kind
	Priority  int
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Record is the persisted status of a task. It outlives the queue entry.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StatusUpdate lists the record fields to overwrite. Zero fields are kept.
type StatusUpdate struct {
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	FailedAt    time.Time
	Result      json.RawMessage
	Error       string
}

// Processing marks a task as picked up at t.
func Processing(t time.Time) StatusUpdate {
	return StatusUpdate{Status: StatusProcessing, StartedAt: t}
}

// Completed marks a task as done at t with an optional JSON result.
func Completed(t time.Time, result json.RawMessage) StatusUpdate {
	return StatusUpdate{Status: StatusCompleted, CompletedAt: t, Result: result}
}

// Failed marks a task as failed at t.
func Failed(t time.Time, errText string) StatusUpdate {
	return StatusUpdate{Status: StatusFailed, FailedAt: t, Error: errText}
}

func nsToTimePtr(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}
