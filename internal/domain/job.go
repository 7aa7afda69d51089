package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateDead      JobState = "dead"
)

// Job is one durable queue entry. A Job never outlives its row: it is
// created at enqueue time and reaches a terminal state (completed or dead)
// when work succeeds or attempts are exhausted. Payloads carry identifiers,
// never resource bodies; workers re-read current state at lease time.
type Job struct {
	ID                 uuid.UUID
	Queue              string
	Type               string
	Payload            []byte
	PayloadHash        string
	State              JobState
	Priority           int
	ScheduledAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	Attempt            int
	MaxAttempts        int
	BackoffBaseMS      int
	IdempotencyKey     string
	LockedBy           *string
	LockedAt           *time.Time
	LockExpiresAt      *time.Time
	LastError          *string
	LastErrorAt        *time.Time
	CurrentExecutionID *uuid.UUID
	StateVersion       int
}

// Worker is a registered worker process, tracked for liveness only.
// Job recovery is driven by lease expiry, not worker status.
type Worker struct {
	ID            uuid.UUID
	Hostname      string
	Queues        []string
	LastHeartbeat time.Time
	Status        string
	RegisteredAt  time.Time
}

// ExecutionLog is the per-attempt record of a job execution. A row is
// written at claim time so a crash mid-execution still leaves a trace,
// then finalized exactly once with the outcome.
type ExecutionLog struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	WorkerID     uuid.UUID
	JobType      string
	Attempt      int
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      *string
	ErrorMessage *string
}
