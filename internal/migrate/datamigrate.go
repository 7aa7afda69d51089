package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/pulse/internal/asyncjob"
	"github.com/carebridge/pulse/internal/reindex"
)

// DataMigration is one entry in the post-deploy manifest. Schema steps
// change tables synchronously; data migrations recompute derived resource
// state in the background by scheduling a reindex chain. MaxResourceVersion
// restricts the chain to resources whose derived state predates the given
// version, so re-running against an already-migrated store reindexes
// nothing.
type DataMigration struct {
	Version            int
	ResourceTypes      []string
	SearchFilter       string
	MaxResourceVersion int
}

// dataMigrations is ordered by Version. Append-only: released entries are
// never edited, the next change gets the next version.
var dataMigrations = []DataMigration{
	{
		Version:            1,
		ResourceTypes:      []string{"Patient", "Observation", "DiagnosticReport"},
		MaxResourceVersion: 1,
	},
}

// RunData schedules every data migration above the store's recorded data
// version. The version is bumped at schedule time, not completion time:
// the reindex chain is durable and resumable on its own, and progress is
// pollable through the AsyncJob it writes.
func RunData(
	ctx context.Context,
	pool *pgxpool.Pool,
	jobs *asyncjob.Store,
	ctrl *reindex.Controller,
	log *slog.Logger,
) error {
	var current int
	err := pool.QueryRow(ctx, `SELECT data_version FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read data version: %w", err)
	}

	for _, m := range dataMigrations {
		if m.Version <= current {
			continue
		}
		asyncJob, err := jobs.Create(ctx, "", fmt.Sprintf("data-migration-%d", m.Version))
		if err != nil {
			return fmt.Errorf("create AsyncJob for data migration %d: %w", m.Version, err)
		}
		maxVersion := m.MaxResourceVersion
		err = ctrl.Start(ctx, asyncJob.ID(), reindex.StartOptions{
			ResourceTypes:      m.ResourceTypes,
			SearchFilter:       m.SearchFilter,
			MaxResourceVersion: &maxVersion,
		})
		if err != nil {
			return fmt.Errorf("start data migration %d: %w", m.Version, err)
		}
		if _, err := pool.Exec(ctx,
			`UPDATE schema_version SET data_version = $1, updated_at = NOW()`,
			m.Version); err != nil {
			return fmt.Errorf("record data version %d: %w", m.Version, err)
		}
		log.Info("scheduled data migration",
			"data_version", m.Version, "async_job", asyncJob.ID())
	}
	return nil
}
