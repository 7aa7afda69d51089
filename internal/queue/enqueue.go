package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnqueueOptions configures a single job submission.
type EnqueueOptions struct {
	Queue          string
	Type           string
	Payload        []byte
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	BackoffBase    time.Duration
	RunAt          *time.Time
	Delay          *time.Duration
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	JobID    uuid.UUID
	State    domain.JobState
	Inserted bool // false when the idempotency key already existed
}

const insertSQL = `
INSERT INTO jobs
    (queue, job_type, payload, payload_hash,
     idempotency_key, priority, max_attempts, backoff_base_ms, scheduled_at,
     state, state_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 0)
ON CONFLICT (queue, idempotency_key) DO NOTHING
RETURNING id, state`

// Enqueue submits a job. If the (queue, idempotency_key) pair already exists
// the existing row is returned with Inserted=false. This is what makes
// notification fan-out exactly-once per (resource-version, subscription)
// pair even when the dispatcher runs twice for the same commit.
func Enqueue(ctx context.Context, pool *pgxpool.Pool, opts EnqueueOptions) (EnqueueResult, error) {
	if opts.Queue == "" {
		return EnqueueResult{}, fmt.Errorf("queue name is required")
	}
	if opts.Type == "" {
		return EnqueueResult{}, fmt.Errorf("job type is required")
	}
	if opts.IdempotencyKey == "" {
		return EnqueueResult{}, fmt.Errorf("idempotency key is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}

	hash := sha256.Sum256(opts.Payload)
	payloadHash := hex.EncodeToString(hash[:])

	scheduledAt := time.Now()
	if opts.RunAt != nil {
		scheduledAt = *opts.RunAt
	} else if opts.Delay != nil {
		scheduledAt = time.Now().Add(*opts.Delay)
	}

	var res EnqueueResult
	err := pool.QueryRow(ctx, insertSQL,
		opts.Queue, opts.Type, opts.Payload, payloadHash,
		opts.IdempotencyKey, opts.Priority, opts.MaxAttempts,
		opts.BackoffBase.Milliseconds(), scheduledAt,
	).Scan(&res.JobID, &res.State)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the row already exists, fetch it.
		err = pool.QueryRow(ctx,
			`SELECT id, state FROM jobs WHERE queue=$1 AND idempotency_key=$2`,
			opts.Queue, opts.IdempotencyKey,
		).Scan(&res.JobID, &res.State)
		res.Inserted = false
		return res, err
	}

	res.Inserted = true
	return res, err
}

// Enqueuer is the narrow interface components use to submit jobs, so the
// dispatcher and self-chaining controllers can be tested without Postgres.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts EnqueueOptions) (EnqueueResult, error)
}

// PGEnqueuer adapts the package-level Enqueue to the Enqueuer interface.
type PGEnqueuer struct {
	Pool *pgxpool.Pool
}

func (e *PGEnqueuer) Enqueue(ctx context.Context, opts EnqueueOptions) (EnqueueResult, error) {
	return Enqueue(ctx, e.Pool, opts)
}
