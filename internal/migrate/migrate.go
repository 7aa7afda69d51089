// Package migrate brings the queue store's schema to the current version.
// A fresh store gets the consolidated latest.sql in one step; an existing
// store replays only the numbered step files above its recorded version.
// The schema version lives in a single row, updated in the same transaction
// as each step, so a crash mid-upgrade resumes exactly where it stopped.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationFS embed.FS

// LatestVersion must match the highest numbered file under
// migrations/steps/, and latest.sql must equal the cumulative result of
// all steps.
const LatestVersion = 3

// Run upgrades the schema to LatestVersion. Idempotent: running it on an
// up-to-date store is a no-op. Intended to run on every process start
// before the worker begins claiming jobs.
func Run(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			only_row     BOOLEAN     PRIMARY KEY DEFAULT TRUE CHECK (only_row),
			version      INT         NOT NULL,
			data_version INT         NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		return applyLatest(ctx, pool, log)
	case current > LatestVersion:
		return fmt.Errorf("store schema version %d is newer than this build (%d)",
			current, LatestVersion)
	case current == LatestVersion:
		return nil
	}

	for v := current + 1; v <= LatestVersion; v++ {
		if err := applyStep(ctx, pool, v, log); err != nil {
			return err
		}
	}
	return nil
}

// currentVersion returns 0 for a fresh store.
func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var v int
	err := pool.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&v)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func applyLatest(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	sql, err := migrationFS.ReadFile("migrations/latest.sql")
	if err != nil {
		return fmt.Errorf("read latest.sql: %w", err)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply latest schema: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES ($1)`, LatestVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	log.Info("initialized fresh schema", "version", LatestVersion)
	return nil
}

// applyStep runs one numbered step and bumps the version row in the same
// transaction.
func applyStep(ctx context.Context, pool *pgxpool.Pool, version int, log *slog.Logger) error {
	name, err := stepFile(version)
	if err != nil {
		return err
	}
	sql, err := migrationFS.ReadFile("migrations/steps/" + name)
	if err != nil {
		return fmt.Errorf("read step %s: %w", name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step %d: %w", version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply step %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE schema_version SET version = $1, updated_at = NOW()`, version); err != nil {
		return fmt.Errorf("record step %d: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit step %d: %w", version, err)
	}
	log.Info("applied schema step", "file", name, "version", version)
	return nil
}

// stepFile locates the step file for a version by its zero-padded prefix.
func stepFile(version int) (string, error) {
	entries, err := migrationFS.ReadDir("migrations/steps")
	if err != nil {
		return "", fmt.Errorf("read steps dir: %w", err)
	}
	prefix := fmt.Sprintf("%03d_", version)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("no migration step for version %d", version)
}
