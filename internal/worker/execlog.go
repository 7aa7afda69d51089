package worker

import (
	"context"
	"log/slog"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// writeExecLogStart inserts the execution_log row before the handler runs.
// Writing it at claim time (not completion time) means a crash during
// execution still leaves a trace of the attempt.
func writeExecLogStart(
	ctx context.Context,
	pool *pgxpool.Pool,
	execID uuid.UUID,
	job *domain.Job,
	workerID uuid.UUID,
) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO execution_log
			(id, job_id, worker_id, job_type, attempt)
		VALUES ($1, $2, $3, $4, $5)`,
		execID, job.ID, workerID, job.Type, job.Attempt)
	return err
}

// writeExecLogFinish updates the execution_log row with the final outcome.
// Errors are logged but not propagated: the job state has already been
// updated and the outcome loss is non-fatal.
func writeExecLogFinish(
	ctx context.Context,
	pool *pgxpool.Pool,
	execID uuid.UUID,
	outcome string,
	handlerErr error,
	logger *slog.Logger,
) {
	errMsg := ""
	if handlerErr != nil {
		errMsg = handlerErr.Error()
	}
	_, err := pool.Exec(ctx, `
		UPDATE execution_log
		SET finished_at = NOW(), outcome = $1, error_message = $2
		WHERE id = $3
		  AND finished_at IS NULL`, outcome, errMsg, execID)
	if err != nil {
		logger.Error("failed to write exec log finish",
			"exec_id", execID, "err", err)
	}
}
