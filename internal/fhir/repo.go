package fhir

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a resource (or version) does not exist.
// ErrGone is returned when a resource existed but has been deleted.
// Workers treat both as terminal-but-expected: the job becomes a no-op.
var (
	ErrNotFound = errors.New("resource not found")
	ErrGone     = errors.New("resource deleted")
)

// IsMissing reports whether err means the referent no longer exists,
// either deleted or never created.
func IsMissing(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrNotFound)
}

type FilterOperator string

const (
	OpEquals FilterOperator = "eq"
	OpBefore FilterOperator = "lt"
	OpAfter  FilterOperator = "gt"
)

type Filter struct {
	Code     string
	Operator FilterOperator
	Value    string
}

// SearchRequest is the subset of the repository's search surface this
// subsystem uses. Cursor is an opaque resumption token returned by the
// repository; SortByLastUpdated asks for ascending meta.lastUpdated order,
// which reindex pagination depends on.
type SearchRequest struct {
	ResourceType        string
	Filters             []Filter
	Count               int
	Cursor              string
	SortByLastUpdated   bool
	MaxResourceVersion  *int
	IncludeSystemScoped bool
}

type SearchResult struct {
	Entries    []Resource
	NextCursor string
}

// Repository is the resource storage/query collaborator (external to this
// subsystem). All methods re-read current state; nothing is served from a
// snapshot. Reindex recomputes derived search state for the given batch in
// one transactional unit of work.
type Repository interface {
	CreateResource(ctx context.Context, res Resource) (Resource, error)
	ReadResource(ctx context.Context, resourceType, id string) (Resource, error)
	ReadVersion(ctx context.Context, resourceType, id, versionID string) (Resource, error)
	UpdateResource(ctx context.Context, res Resource) (Resource, error)
	DeleteResource(ctx context.Context, resourceType, id string) error
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
	Reindex(ctx context.Context, resources []Resource) error
}
