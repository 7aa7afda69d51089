package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/registry"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type executeResult struct {
	outcome string // "completed" | "failed" | "abandoned"
	err     error
}

// executeJob runs the handler inside a cancelable context. A background
// goroutine refreshes lock_expires_at every leaseSeconds/3 for the lifetime
// of the call so the reaper never reclaims an actively running job.
//
// There is no explicit cancel API: a job whose referent has been deleted
// simply discovers that at execution time and returns nil.
func executeJob(
	ctx context.Context,
	pool *pgxpool.Pool,
	job *domain.Job,
	execID uuid.UUID,
	handler registry.Handler,
	leaseSeconds int,
	logger *slog.Logger,
) executeResult {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseStop := make(chan struct{})
	go extendLease(execCtx, pool, job, execID, leaseSeconds, leaseStop, logger)
	defer close(leaseStop)

	handlerErr := handler(execCtx, job)

	if ctx.Err() != nil {
		return executeResult{outcome: "abandoned"}
	}
	if handlerErr != nil {
		return executeResult{outcome: "failed", err: handlerErr}
	}
	return executeResult{outcome: "completed"}
}

// extendLease periodically refreshes lock_expires_at. The ticker fires at
// leaseSeconds/3, giving two extension opportunities before expiry. If the
// extension is fenced (another execution took over after a reap) the
// extender stops so the stale execution cannot resurrect its lease.
func extendLease(
	ctx context.Context,
	pool *pgxpool.Pool,
	job *domain.Job,
	execID uuid.UUID,
	leaseSeconds int,
	stop <-chan struct{},
	logger *slog.Logger,
) {
	interval := time.Duration(leaseSeconds) * time.Second / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			result, err := pool.Exec(ctx, `
				UPDATE jobs
				SET lock_expires_at = NOW() + ($1 * interval '1 second')
				WHERE id = $2
				  AND state = 'running'
				  AND lock_expires_at > NOW()
				  AND current_execution_id = $3`,
				leaseSeconds, job.ID, execID)
			if err != nil {
				logger.Warn("lease extension failed",
					"job_id", job.ID, "err", err)
				continue
			}
			if result.RowsAffected() == 0 {
				logger.Warn("lease extension fenced; stopping extender",
					"job_id", job.ID,
					"exec_id", execID)
				return
			}
		}
	}
}
