package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/pulse/internal/domain"
	"github.com/carebridge/pulse/internal/registry"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FailureHook is called when a job reaches the terminal dead state, with the
// error that exhausted it. Hooks let long-running controllers (reindex) mark
// their progress record failed instead of silently losing the chain.
type FailureHook func(ctx context.Context, job *domain.Job, err error)

type Worker struct {
	ID            uuid.UUID
	Hostname      string
	Queues        []string
	Pool          *pgxpool.Pool
	Registry      *registry.Registry
	Logger        *slog.Logger
	LeaseSeconds  int
	hooks         map[string]FailureHook
	startDone     chan struct{}
	startDoneOnce sync.Once
}

func New(
	id uuid.UUID,
	hostname string,
	queues []string,
	pool *pgxpool.Pool,
	reg *registry.Registry,
	logger *slog.Logger,
	leaseSeconds int,
) *Worker {
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	return &Worker{
		ID:           id,
		Hostname:     hostname,
		Queues:       queues,
		Pool:         pool,
		Registry:     reg,
		Logger:       logger,
		LeaseSeconds: leaseSeconds,
		hooks:        make(map[string]FailureHook),
		startDone:    make(chan struct{}),
	}
}

// OnFailure registers the failure hook for a queue. At most one hook per
// queue; later registrations replace earlier ones.
func (w *Worker) OnFailure(queue string, hook FailureHook) {
	w.hooks[queue] = hook
}

// Start runs the poll loop until ctx is canceled. Each job is executed
// synchronously; the per-job lease-extension goroutine lives only for the
// duration of that job.
func (w *Worker) Start(ctx context.Context) {
	defer w.startDoneOnce.Do(func() { close(w.startDone) })

	w.Logger.Info("worker starting",
		"worker_id", w.ID,
		"queues", w.Queues,
		"handlers", w.Registry.Names())

	for {
		if ctx.Err() != nil {
			return
		}

		execID := uuid.New()
		job, err := ClaimJob(ctx, w.Pool, w.Queues, w.ID.String(), execID, w.LeaseSeconds)
		if err != nil {
			w.Logger.Error("claim error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if job == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		w.runJob(ctx, job, execID)
	}
}

// DrainAndWait blocks until the poll loop exits (usually after ctx
// cancellation) or until the caller's timeout is reached.
func (w *Worker) DrainAndWait(ctx context.Context) error {
	select {
	case <-w.startDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job, execID uuid.UUID) {
	log := w.Logger.With(
		"job_id", job.ID,
		"queue", job.Queue,
		"job_type", job.Type,
		"attempt", job.Attempt,
		"exec_id", execID,
	)

	if err := writeExecLogStart(ctx, w.Pool, execID, job, w.ID); err != nil {
		log.Error("failed to write exec log start", "err", err)
		_, _ = markRetry(ctx, w.Pool, job, execID, err)
		return
	}

	log.Info("job started")

	handler, err := w.Registry.Lookup(job.Type)
	if err != nil {
		log.Error("unknown job type, marking dead", "err", err)
		w.finishDead(ctx, job, execID, err, log)
		return
	}

	result := executeJob(ctx, w.Pool, job, execID, handler, w.LeaseSeconds, log)

	switch result.outcome {
	case "completed":
		updated, err := markCompleted(ctx, w.Pool, job.ID, execID)
		if err != nil {
			log.Error("failed to mark completed", "err", err)
			return
		}
		if !updated {
			log.Warn("stale completion ignored")
			return
		}
		log.Info("job completed")
		writeExecLogFinish(ctx, w.Pool, execID, "completed", nil, log)

	case "abandoned":
		log.Info("job execution abandoned due to worker shutdown; leaving state unchanged")
		return

	case "failed":
		var fatalErr *registry.FatalError
		isFatal := errors.As(result.err, &fatalErr)
		if isFatal || job.Attempt+1 >= job.MaxAttempts {
			w.finishDead(ctx, job, execID, result.err, log)
			log.Warn("job dead", "err", result.err, "is_fatal", isFatal)
		} else {
			updated, err := markRetry(ctx, w.Pool, job, execID, result.err)
			if err != nil {
				log.Error("failed to mark retry", "err", err)
				return
			}
			if !updated {
				log.Warn("stale retry transition ignored")
				return
			}
			log.Warn("job failed, will retry",
				"err", result.err,
				"attempt", job.Attempt,
				"max_attempts", job.MaxAttempts)
			writeExecLogFinish(ctx, w.Pool, execID, "failed", result.err, log)
		}
	}
}

// finishDead marks the job dead, records the outcome, and fires the queue's
// failure hook. Dead jobs are surfaced, never silently dropped.
func (w *Worker) finishDead(ctx context.Context, job *domain.Job, execID uuid.UUID, cause error, log *slog.Logger) {
	updated, err := markDead(ctx, w.Pool, job.ID, execID, cause)
	if err != nil {
		log.Error("failed to mark dead", "err", err)
		return
	}
	if !updated {
		log.Warn("stale dead transition ignored")
		return
	}
	writeExecLogFinish(ctx, w.Pool, execID, "failed", cause, log)
	if hook, ok := w.hooks[job.Queue]; ok {
		hook(ctx, job, cause)
	}
}
