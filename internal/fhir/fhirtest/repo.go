// Package fhirtest provides an in-memory Repository implementation for
// package tests. It mimics the collaborator contract closely enough for the
// workers: version history, gone-vs-missing errors, lastUpdated-ordered
// cursor pagination, and reindex bookkeeping.
package fhirtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/pulse/internal/fhir"
	"github.com/google/uuid"
)

type record struct {
	versions []fhir.Resource // versions[i] is versionId i+1
	deleted  bool
}

type Repo struct {
	mu      sync.Mutex
	records map[string]*record // key: "Type/id"
	clock   time.Time

	// ReindexErrs, when non-empty, pops one error per Reindex call.
	ReindexErrs []error
	// Reindexed accumulates references passed to Reindex, in call order.
	Reindexed [][]string
}

func NewRepo() *Repo {
	return &Repo{
		records: make(map[string]*record),
		clock:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick advances the fake clock so every stored version has a distinct,
// strictly increasing lastUpdated.
func (r *Repo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *Repo) CreateResource(_ context.Context, res fhir.Resource) (fhir.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := res.Clone()
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}
	stored.SetMeta("versionId", "1")
	stored.SetMeta("lastUpdated", r.tick().Format(time.RFC3339Nano))
	r.records[stored.Reference()] = &record{versions: []fhir.Resource{stored}}
	return stored.Clone(), nil
}

func (r *Repo) ReadResource(_ context.Context, resourceType, id string) (fhir.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceType+"/"+id]
	if !ok {
		return nil, fhir.ErrNotFound
	}
	if rec.deleted {
		return nil, fhir.ErrGone
	}
	return rec.versions[len(rec.versions)-1].Clone(), nil
}

func (r *Repo) ReadVersion(_ context.Context, resourceType, id, versionID string) (fhir.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceType+"/"+id]
	if !ok {
		return nil, fhir.ErrNotFound
	}
	n, err := strconv.Atoi(versionID)
	if err != nil || n < 1 || n > len(rec.versions) {
		return nil, fhir.ErrNotFound
	}
	return rec.versions[n-1].Clone(), nil
}

func (r *Repo) UpdateResource(_ context.Context, res fhir.Resource) (fhir.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[res.Reference()]
	if !ok || rec.deleted {
		return nil, fhir.ErrNotFound
	}
	stored := res.Clone()
	stored.SetMeta("versionId", strconv.Itoa(len(rec.versions)+1))
	stored.SetMeta("lastUpdated", r.tick().Format(time.RFC3339Nano))
	rec.versions = append(rec.versions, stored)
	return stored.Clone(), nil
}

func (r *Repo) DeleteResource(_ context.Context, resourceType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[resourceType+"/"+id]
	if !ok {
		return fhir.ErrNotFound
	}
	rec.deleted = true
	return nil
}

func (r *Repo) Search(_ context.Context, req fhir.SearchRequest) (*fhir.SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eq []fhir.Filter
	var before, after time.Time
	project := ""
	for _, f := range req.Filters {
		switch {
		case f.Code == "_lastUpdated" && f.Operator == fhir.OpBefore:
			before, _ = time.Parse(time.RFC3339Nano, f.Value)
		case f.Code == "_lastUpdated" && f.Operator == fhir.OpAfter:
			after, _ = time.Parse(time.RFC3339Nano, f.Value)
		case f.Code == "_project":
			project = f.Value
		default:
			eq = append(eq, f)
		}
	}
	criteria := fhir.Criteria{ResourceType: req.ResourceType, Filters: eq}

	var matched []fhir.Resource
	for _, rec := range r.records {
		if rec.deleted {
			continue
		}
		res := rec.versions[len(rec.versions)-1]
		if res.Type() != req.ResourceType {
			continue
		}
		if project != "" && res.Project() != project {
			continue
		}
		if !before.IsZero() && !res.LastUpdated().Before(before) {
			continue
		}
		if !after.IsZero() && !res.LastUpdated().After(after) {
			continue
		}
		if req.MaxResourceVersion != nil && res.Version() > *req.MaxResourceVersion {
			continue
		}
		if len(eq) > 0 && !criteria.Matches(res) {
			continue
		}
		matched = append(matched, res.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		ti, tj := matched[i].LastUpdated(), matched[j].LastUpdated()
		if ti.Equal(tj) {
			return matched[i].ID() < matched[j].ID()
		}
		return ti.Before(tj)
	})

	// Cursor format mirrors the real repository: "<unixnano>-<id>" of the
	// last entry returned; the next page starts strictly after it.
	if req.Cursor != "" {
		tsStr, id, _ := strings.Cut(req.Cursor, "-")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q", req.Cursor)
		}
		cut := 0
		for cut < len(matched) {
			mts := matched[cut].LastUpdated().UnixNano()
			if mts > ts || (mts == ts && matched[cut].ID() > id) {
				break
			}
			cut++
		}
		matched = matched[cut:]
	}

	result := &fhir.SearchResult{}
	count := req.Count
	if count <= 0 {
		count = 100
	}
	if len(matched) > count {
		last := matched[count-1]
		result.Entries = matched[:count]
		result.NextCursor = fmt.Sprintf("%d-%s", last.LastUpdated().UnixNano(), last.ID())
	} else {
		result.Entries = matched
	}
	return result, nil
}

func (r *Repo) Reindex(_ context.Context, resources []fhir.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ReindexErrs) > 0 {
		err := r.ReindexErrs[0]
		r.ReindexErrs = r.ReindexErrs[1:]
		if err != nil {
			return err
		}
	}
	refs := make([]string, 0, len(resources))
	for _, res := range resources {
		refs = append(refs, res.Reference())
	}
	r.Reindexed = append(r.Reindexed, refs)
	return nil
}

// ReindexedCount returns the total number of resources passed to Reindex
// across all calls.
func (r *Repo) ReindexedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, refs := range r.Reindexed {
		n += len(refs)
	}
	return n
}

// SearchAll is a convenience for tests that need every current resource of
// a type without paging.
func (r *Repo) SearchAll(ctx context.Context, resourceType string) []fhir.Resource {
	res, err := r.Search(ctx, fhir.SearchRequest{ResourceType: resourceType, Count: 10000})
	if err != nil {
		return nil
	}
	return res.Entries
}
