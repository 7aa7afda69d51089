// Package asyncjob manages AsyncJob resources: the durable progress records
// for long-running operations (reindex, data migrations). An AsyncJob is the
// only durable record of such an operation and must be resumable purely from
// its last-written output. The subsystem never deletes AsyncJobs; operators
// poll them until terminal.
package asyncjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/pulse/internal/fhir"
)

const (
	StatusAccepted  = "accepted"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Parameter is one structured output value, possibly nested. It mirrors the
// FHIR Parameters shape so AsyncJob output is directly pollable over the
// resource API.
type Parameter struct {
	Name          string
	ValueString   string
	ValueInteger  *int
	ValueDateTime string
	Part          []Parameter
}

func (p Parameter) toMap() map[string]any {
	m := map[string]any{"name": p.Name}
	switch {
	case p.ValueString != "":
		m["valueString"] = p.ValueString
	case p.ValueInteger != nil:
		m["valueInteger"] = *p.ValueInteger
	case p.ValueDateTime != "":
		m["valueDateTime"] = p.ValueDateTime
	}
	if len(p.Part) > 0 {
		parts := make([]any, 0, len(p.Part))
		for _, part := range p.Part {
			parts = append(parts, part.toMap())
		}
		m["part"] = parts
	}
	return m
}

// Int is a convenience for Parameter.ValueInteger.
func Int(v int) *int { return &v }

// Store reads and writes AsyncJob resources through the repository.
// Single-writer-per-job-chain discipline is assumed: only the currently
// running chain link writes a given AsyncJob, so no optimistic locking is
// layered on top.
type Store struct {
	repo fhir.Repository
	log  *slog.Logger
}

func NewStore(repo fhir.Repository, log *slog.Logger) *Store {
	return &Store{repo: repo, log: log}
}

// Create starts a new AsyncJob in the accepted state and returns it.
func (s *Store) Create(ctx context.Context, project, requestID string) (fhir.Resource, error) {
	res := fhir.Resource{
		"resourceType": "AsyncJob",
		"status":       StatusAccepted,
		"request":      requestID,
		"requestTime":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if project != "" {
		res["meta"] = map[string]any{"project": project}
	}
	created, err := s.repo.CreateResource(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("create AsyncJob: %w", err)
	}
	return created, nil
}

// Checkpoint replaces the AsyncJob output with the given parameters and
// marks the job active. Called periodically by long-running chains so that
// progress survives a crash.
func (s *Store) Checkpoint(ctx context.Context, id string, output []Parameter) error {
	return s.write(ctx, id, StatusActive, output)
}

// Complete marks the AsyncJob terminal-success with its aggregate output.
func (s *Store) Complete(ctx context.Context, id string, output []Parameter) error {
	return s.write(ctx, id, StatusCompleted, output)
}

// Fail marks the AsyncJob terminal-error, preserving the last output so
// operators can restart just the failed partition.
func (s *Store) Fail(ctx context.Context, id string, output []Parameter) error {
	return s.write(ctx, id, StatusError, output)
}

func (s *Store) write(ctx context.Context, id, status string, output []Parameter) error {
	job, err := s.repo.ReadResource(ctx, "AsyncJob", id)
	if err != nil {
		return fmt.Errorf("read AsyncJob %s: %w", id, err)
	}
	job["status"] = status
	if output != nil {
		params := make([]any, 0, len(output))
		for _, p := range output {
			params = append(params, p.toMap())
		}
		job["output"] = map[string]any{
			"resourceType": "Parameters",
			"parameter":    params,
		}
	}
	if status == StatusCompleted || status == StatusError {
		job["transactionTime"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, err := s.repo.UpdateResource(ctx, job); err != nil {
		return fmt.Errorf("update AsyncJob %s: %w", id, err)
	}
	return nil
}

// OutputParameters extracts the output parameter list from an AsyncJob
// resource, for tests and the admin API.
func OutputParameters(job fhir.Resource) []map[string]any {
	out, ok := job["output"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := out["parameter"].([]any)
	if !ok {
		return nil
	}
	params := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			params = append(params, m)
		}
	}
	return params
}
