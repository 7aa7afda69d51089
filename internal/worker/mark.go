package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func markCompleted(ctx context.Context, pool *pgxpool.Pool, jobID, execID uuid.UUID) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	result, err := pool.Exec(ctx, `
		UPDATE jobs SET
			state                = 'completed',
			completed_at         = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $1
		  AND state = 'running'
		  AND current_execution_id = $2
		  AND lock_expires_at > NOW()`, jobID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// markDead moves a job to the terminal dead state. Used when attempt has
// reached max_attempts or the handler returned a FatalError.
func markDead(
	ctx context.Context, pool *pgxpool.Pool,
	jobID uuid.UUID, execID uuid.UUID, handlerErr error,
) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	result, err := pool.Exec(ctx, `
		UPDATE jobs SET
			state                = 'dead',
			last_error           = $1,
			last_error_at        = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $2
		  AND state = 'running'
		  AND current_execution_id = $3
		  AND lock_expires_at > NOW()`, handlerErr.Error(), jobID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// markRetry re-queues a failed job for a future attempt. It increments
// attempt, clears lock fields, and sets scheduled_at via ComputeBackoff
// so the poller will not pick it up until the backoff window has elapsed.
func markRetry(
	ctx context.Context, pool *pgxpool.Pool,
	job *domain.Job, execID uuid.UUID, handlerErr error,
) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	backoff := ComputeBackoff(time.Duration(job.BackoffBaseMS)*time.Millisecond, job.Attempt)
	result, err := pool.Exec(ctx, `
		UPDATE jobs SET
			state                = 'pending',
			scheduled_at         = NOW() + ($1 * interval '1 millisecond'),
			attempt              = attempt + 1,
			last_error           = $2,
			last_error_at        = NOW(),
			locked_by            = NULL,
			locked_at            = NULL,
			lock_expires_at      = NULL,
			current_execution_id = NULL,
			state_version        = state_version + 1,
			updated_at           = NOW()
		WHERE id = $3
		  AND state = 'running'
		  AND current_execution_id = $4
		  AND lock_expires_at > NOW()`,
		backoff.Milliseconds(), handlerErr.Error(), job.ID, execID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ComputeBackoff returns base * 2^attempt with ±25% jitter. The exponent is
// capped at 20 to prevent overflow and the delay at 24h; with a 1s base and
// 18 attempts the schedule spans roughly three days of outage.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	maxDelay := 24 * time.Hour
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d/2))) - d/4
	return d + jitter
}
