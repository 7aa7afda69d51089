package registry

import (
	"context"
	"fmt"

	"github.com/carebridge/pulse/internal/domain"
)

// Handler is the function signature every job handler must implement.
// Handlers receive the full job row (not just the payload) because delivery
// semantics depend on the attempt number: audit descriptions include it, and
// retries re-validate that the referenced resource is still current.
//
// Return contract, matching the error taxonomy:
//   - nil: the job completes. Terminal-but-expected conditions (referent
//     deleted, subscription deactivated) also return nil; they are not
//     failures, just no-ops.
//   - plain error: transient; the queue retries with backoff.
//   - *FatalError: never retried; the job goes straight to dead.
type Handler func(ctx context.Context, job *domain.Job) error

// FatalError wraps a handler error that must not be retried.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// Registry maps job types to Handler functions.
type Registry struct {
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for: %q", jobType)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
